package alignment

import (
	"github.com/openfroyo/specflow/pkg/engine"
)

// rewritesArtifacts reports whether the edit changes recorded artifacts.
func rewritesArtifacts(kind engine.EditKind) bool {
	switch kind {
	case engine.EditRename, engine.EditSetFields, engine.EditDropScope, engine.EditAdoptComponent:
		return true
	}
	return false
}

// applyEdit returns a rewritten copy of artifacts. The input is not modified.
func applyEdit(artifacts []engine.Artifact, edit engine.Edit) []engine.Artifact {
	out := cloneArtifacts(artifacts)
	for i := range out {
		a := &out[i]
		switch edit.Kind {
		case engine.EditRename:
			for j := range a.Declarations {
				if a.Declarations[j].Name == edit.Target {
					a.Declarations[j].Name = edit.Value
				}
			}
			for j, ref := range a.References {
				if ref == edit.Target {
					a.References[j] = edit.Value
				}
			}
		case engine.EditSetFields:
			for j := range a.Declarations {
				if a.Declarations[j].Name != edit.Target {
					continue
				}
				a.Declarations[j].Fields = copyFields(edit.Fields)
				if edit.Value != "" {
					a.Declarations[j].Kind = edit.Value
				}
			}
		case engine.EditDropScope:
			kept := a.Scope[:0]
			for _, sc := range a.Scope {
				if sc != edit.Target {
					kept = append(kept, sc)
				}
			}
			a.Scope = kept
		case engine.EditAdoptComponent:
			for j := range a.Components {
				if a.Components[j].Name == edit.Target {
					a.Components[j].Signature = edit.Value
				}
			}
		}
	}
	return out
}

func cloneArtifacts(in []engine.Artifact) []engine.Artifact {
	if in == nil {
		return nil
	}
	out := make([]engine.Artifact, len(in))
	for i, a := range in {
		c := a
		c.Scope = append([]string(nil), a.Scope...)
		c.References = append([]string(nil), a.References...)
		c.Components = append([]engine.ComponentRef(nil), a.Components...)
		for j := range c.Components {
			c.Components[j].Tags = append([]string(nil), a.Components[j].Tags...)
		}
		if a.Declarations != nil {
			c.Declarations = make([]engine.Declaration, len(a.Declarations))
			for j, d := range a.Declarations {
				d.Fields = copyFields(d.Fields)
				d.Tags = append([]string(nil), d.Tags...)
				c.Declarations[j] = d
			}
		}
		out[i] = c
	}
	return out
}
