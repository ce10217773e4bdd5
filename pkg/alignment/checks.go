package alignment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/specflow/pkg/engine"
)

// Drift categories produced by the checks.
const (
	CategoryNamingConflict         = "naming-conflict"
	CategoryInterfaceInconsistency = "interface-inconsistency"
	CategoryDuplicatedScope        = "duplicated-scope"
	CategoryDependencyOrder        = "dependency-order"
	CategoryComponentDivergence    = "shared-component-divergence"
)

const (
	tagSecurity = "security"
	tagCore     = "core"
)

// snapshot is the reviewed view of one item: the artifacts of its latest
// successful record.
type snapshot struct {
	item      engine.WorkItem
	artifacts []engine.Artifact
}

// finding is a detected deviation before classification.
type finding struct {
	category       string
	subject        string
	items          []string
	description    string
	expected       string
	actual         string
	impact         string
	recommendation string
	edit           engine.Edit
	traits         engine.Traits
}

// ordering answers dependency questions over the full roadmap.
type ordering interface {
	// dependsOn reports whether a transitively depends on b.
	dependsOn(a, b string) bool
	known(id string) bool
}

// detect runs every check over snaps, which must be in insertion order.
func detect(snaps []snapshot, order ordering) []finding {
	var out []finding
	out = append(out, checkNaming(snaps)...)
	out = append(out, checkInterfaces(snaps)...)
	out = append(out, checkScope(snaps)...)
	out = append(out, checkDependencyOrder(snaps, order)...)
	out = append(out, checkComponents(snaps)...)
	return out
}

// declUse is one item declaring a name or signature.
type declUse struct {
	item string
	decl engine.Declaration
}

// checkNaming finds the same declaration shape exposed under different names
// by different items. The first name seen is canonical.
func checkNaming(snaps []snapshot) []finding {
	type group struct {
		names []string
		users map[string][]declUse
	}
	groups := make(map[string]*group)
	var sigs []string

	for _, s := range snaps {
		for _, a := range s.artifacts {
			for _, d := range a.Declarations {
				if len(d.Fields) == 0 {
					continue
				}
				sig := d.Signature()
				g, ok := groups[sig]
				if !ok {
					g = &group{users: make(map[string][]declUse)}
					groups[sig] = g
					sigs = append(sigs, sig)
				}
				if _, seen := g.users[d.Name]; !seen {
					g.names = append(g.names, d.Name)
				}
				g.users[d.Name] = appendUse(g.users[d.Name], declUse{item: s.item.ID, decl: d})
			}
		}
	}

	var out []finding
	for _, sig := range sigs {
		g := groups[sig]
		if len(g.names) < 2 {
			continue
		}
		canonical := g.names[0]
		for _, name := range g.names[1:] {
			renamed := useItems(g.users[name])
			involved := union(useItems(g.users[canonical]), renamed)
			if len(involved) < 2 {
				continue
			}
			uses := append(append([]declUse(nil), g.users[canonical]...), g.users[name]...)
			out = append(out, finding{
				category:    CategoryNamingConflict,
				subject:     sig + "|" + name,
				items:       involved,
				description: fmt.Sprintf("%s and %s declare the same shape under different names", canonical, name),
				expected:    canonical,
				actual:      name,
				impact:      fmt.Sprintf("%s would carry two names for one concept", strings.Join(involved, ", ")),
				recommendation: fmt.Sprintf("Rename %s to %s in %s",
					name, canonical, strings.Join(renamed, ", ")),
				edit: engine.Edit{Kind: engine.EditRename, Items: renamed, Target: name, Value: canonical},
				traits: engine.Traits{
					SecurityRelevant:       anyTagged(uses, tagSecurity),
					TouchesCoreAbstraction: anyCore(uses),
					CosmeticOnly:           true,
					AffectedItems:          len(renamed),
				},
			})
		}
	}
	return out
}

// checkInterfaces finds one declaration name with different shapes across
// items. A core declaration is canonical; otherwise the first seen wins.
func checkInterfaces(snaps []snapshot) []finding {
	byName := make(map[string][]declUse)
	var names []string
	for _, s := range snaps {
		for _, a := range s.artifacts {
			for _, d := range a.Declarations {
				if _, ok := byName[d.Name]; !ok {
					names = append(names, d.Name)
				}
				byName[d.Name] = appendUse(byName[d.Name], declUse{item: s.item.ID, decl: d})
			}
		}
	}

	var out []finding
	for _, name := range names {
		uses := byName[name]
		if len(useItems(uses)) < 2 || !divergent(uses) {
			continue
		}

		canonical := uses[0]
		for _, u := range uses {
			if u.decl.Core {
				canonical = u
				break
			}
		}
		merged, additive := mergeFields(uses)
		target := canonical.decl.Fields
		if additive {
			target = merged
		}
		canonicalSig := engine.Declaration{Kind: canonical.decl.Kind, Fields: target}.Signature()

		var rewrite, sigs []string
		for _, u := range uses {
			if u.decl.Signature() != canonicalSig {
				rewrite = appendUnique(rewrite, u.item)
			}
			sigs = appendUnique(sigs, u.decl.Signature())
		}
		sort.Strings(sigs)
		involved := useItems(uses)

		out = append(out, finding{
			category:    CategoryInterfaceInconsistency,
			subject:     name + "|" + strings.Join(sigs, "/"),
			items:       involved,
			description: fmt.Sprintf("%s has %d different shapes across %s", name, len(sigs), strings.Join(involved, ", ")),
			expected:    describeFields(target),
			actual:      describeUses(uses),
			impact:      fmt.Sprintf("callers of %s in %s will disagree on its fields", name, strings.Join(involved, ", ")),
			recommendation: fmt.Sprintf("Align %s in %s on %s",
				name, strings.Join(rewrite, ", "), describeFields(target)),
			edit: engine.Edit{
				Kind:   engine.EditSetFields,
				Items:  rewrite,
				Target: name,
				Value:  canonical.decl.Kind,
				Fields: copyFields(target),
			},
			traits: engine.Traits{
				SecurityRelevant:       anyTagged(uses, tagSecurity),
				TouchesCoreAbstraction: anyCore(uses),
				AdditiveOnly:           additive,
				AffectedItems:          len(rewrite),
			},
		})
	}
	return out
}

// checkScope finds a scope claimed by more than one item. The highest priority
// item keeps it, the earliest on ties.
func checkScope(snaps []snapshot) []finding {
	owners := make(map[string][]engine.WorkItem)
	var scopes []string
	for _, s := range snaps {
		for _, a := range s.artifacts {
			for _, sc := range a.Scope {
				if _, ok := owners[sc]; !ok {
					scopes = append(scopes, sc)
				}
				if !containsItem(owners[sc], s.item.ID) {
					owners[sc] = append(owners[sc], s.item)
				}
			}
		}
	}

	var out []finding
	for _, sc := range scopes {
		claimants := owners[sc]
		if len(claimants) < 2 {
			continue
		}
		keeper := claimants[0]
		for _, c := range claimants[1:] {
			if c.Priority > keeper.Priority {
				keeper = c
			}
		}
		var drop, involved []string
		for _, c := range claimants {
			involved = append(involved, c.ID)
			if c.ID != keeper.ID {
				drop = append(drop, c.ID)
			}
		}
		out = append(out, finding{
			category:       CategoryDuplicatedScope,
			subject:        sc,
			items:          involved,
			description:    fmt.Sprintf("scope %q is claimed by %s", sc, strings.Join(involved, ", ")),
			expected:       keeper.ID,
			actual:         strings.Join(involved, ", "),
			impact:         fmt.Sprintf("%q would be built more than once", sc),
			recommendation: fmt.Sprintf("Keep %q in %s and drop it from %s", sc, keeper.ID, strings.Join(drop, ", ")),
			edit:           engine.Edit{Kind: engine.EditDropScope, Items: drop, Target: sc, Value: keeper.ID},
			traits: engine.Traits{
				SecurityRelevant: strings.HasPrefix(sc, tagSecurity),
				AffectedItems:    len(drop),
			},
		})
	}
	return out
}

// checkDependencyOrder finds artifacts that reference another item, directly
// or through a declaration it owns, without depending on it.
func checkDependencyOrder(snaps []snapshot, order ordering) []finding {
	declaredBy := make(map[string][]string)
	for _, s := range snaps {
		for _, a := range s.artifacts {
			for _, d := range a.Declarations {
				declaredBy[d.Name] = appendUnique(declaredBy[d.Name], s.item.ID)
			}
		}
	}

	var out []finding
	seen := make(map[string]bool)
	for _, s := range snaps {
		from := s.item.ID
		for _, a := range s.artifacts {
			for _, ref := range a.References {
				providers := declaredBy[ref]
				if order.known(ref) {
					providers = appendUnique(append([]string(nil), providers...), ref)
				}
				for _, to := range providers {
					if to == from || order.dependsOn(from, to) || seen[from+"->"+to] {
						continue
					}
					// A reference to something the item already declares is not a dependency.
					if containsString(declaredBy[ref], from) && ref != to {
						continue
					}
					seen[from+"->"+to] = true
					out = append(out, orderFinding(from, to, ref, order.dependsOn(to, from)))
				}
			}
		}
	}
	return out
}

func orderFinding(from, to, ref string, reversed bool) finding {
	f := finding{
		category:    CategoryDependencyOrder,
		subject:     from + "->" + to,
		items:       []string{from, to},
		description: fmt.Sprintf("%s uses %s from %s without depending on it", from, ref, to),
		expected:    fmt.Sprintf("%s depends on %s", from, to),
		actual:      fmt.Sprintf("%s may be built before %s", from, to),
		impact:      fmt.Sprintf("%s could be implemented against a missing %s", from, ref),
	}
	if reversed {
		f.recommendation = fmt.Sprintf("%s already depends on %s; move %s into a shared item both can depend on",
			to, from, ref)
		f.edit = engine.Edit{Kind: engine.EditNone, Items: []string{from, to}}
		f.traits = engine.Traits{AffectedItems: 2}
		return f
	}
	f.recommendation = fmt.Sprintf("Add a dependency from %s on %s", from, to)
	f.edit = engine.Edit{Kind: engine.EditAddDependency, Items: []string{from}, Target: from, Value: to}
	f.traits = engine.Traits{AdditiveOnly: true, AffectedItems: 1}
	return f
}

// checkComponents finds a shared component built on different signatures.
// The most common signature is canonical, the first seen on ties.
func checkComponents(snaps []snapshot) []finding {
	type use struct {
		item string
		ref  engine.ComponentRef
	}
	byName := make(map[string][]use)
	var names []string
	for _, s := range snaps {
		for _, a := range s.artifacts {
			for _, c := range a.Components {
				if c.Signature == "" {
					continue
				}
				if _, ok := byName[c.Name]; !ok {
					names = append(names, c.Name)
				}
				byName[c.Name] = append(byName[c.Name], use{item: s.item.ID, ref: c})
			}
		}
	}

	var out []finding
	for _, name := range names {
		uses := byName[name]
		counts := make(map[string]int)
		var sigs []string
		for _, u := range uses {
			if counts[u.ref.Signature] == 0 {
				sigs = append(sigs, u.ref.Signature)
			}
			counts[u.ref.Signature]++
		}
		if len(sigs) < 2 {
			continue
		}
		canonical := sigs[0]
		for _, sig := range sigs[1:] {
			if counts[sig] > counts[canonical] {
				canonical = sig
			}
		}

		var involved, rewrite []string
		security, core := false, false
		for _, u := range uses {
			involved = appendUnique(involved, u.item)
			if u.ref.Signature != canonical {
				rewrite = appendUnique(rewrite, u.item)
			}
			security = security || hasTag(u.ref.Tags, tagSecurity)
			core = core || hasTag(u.ref.Tags, tagCore)
		}
		sorted := append([]string(nil), sigs...)
		sort.Strings(sorted)

		out = append(out, finding{
			category:       CategoryComponentDivergence,
			subject:        name + "|" + strings.Join(sorted, "/"),
			items:          involved,
			description:    fmt.Sprintf("%s is used with %d signatures", name, len(sigs)),
			expected:       canonical,
			actual:         strings.Join(sigs, ", "),
			impact:         fmt.Sprintf("%s would diverge into incompatible copies", name),
			recommendation: fmt.Sprintf("Move %s onto %s %s", strings.Join(rewrite, ", "), name, canonical),
			edit:           engine.Edit{Kind: engine.EditAdoptComponent, Items: rewrite, Target: name, Value: canonical},
			traits: engine.Traits{
				SecurityRelevant:       security,
				TouchesCoreAbstraction: core,
				AffectedItems:          len(rewrite),
			},
		})
	}
	return out
}

func divergent(uses []declUse) bool {
	for _, u := range uses[1:] {
		if u.decl.Signature() != uses[0].decl.Signature() {
			return true
		}
	}
	return false
}

// mergeFields unions the field sets. It reports false if any field has
// conflicting types or the kinds differ.
func mergeFields(uses []declUse) (map[string]string, bool) {
	merged := make(map[string]string)
	for _, u := range uses {
		if u.decl.Kind != uses[0].decl.Kind {
			return nil, false
		}
		for k, v := range u.decl.Fields {
			if existing, ok := merged[k]; ok && existing != v {
				return nil, false
			}
			merged[k] = v
		}
	}
	return merged, true
}

func appendUse(uses []declUse, u declUse) []declUse {
	for _, existing := range uses {
		if existing.item == u.item && existing.decl.Signature() == u.decl.Signature() {
			return uses
		}
	}
	return append(uses, u)
}

func useItems(uses []declUse) []string {
	var out []string
	for _, u := range uses {
		out = appendUnique(out, u.item)
	}
	return out
}

func anyTagged(uses []declUse, tag string) bool {
	for _, u := range uses {
		if hasTag(u.decl.Tags, tag) {
			return true
		}
	}
	return false
}

func anyCore(uses []declUse) bool {
	for _, u := range uses {
		if u.decl.Core || hasTag(u.decl.Tags, tagCore) {
			return true
		}
	}
	return false
}

func describeFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+fields[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func describeUses(uses []declUse) string {
	parts := make([]string, 0, len(uses))
	for _, u := range uses {
		parts = append(parts, u.item+": "+describeFields(u.decl.Fields))
	}
	return strings.Join(parts, "; ")
}

func copyFields(fields map[string]string) map[string]string {
	if fields == nil {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func hasTag(tags []string, tag string) bool {
	return containsString(tags, tag)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsItem(items []engine.WorkItem, id string) bool {
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	if containsString(list, s) {
		return list
	}
	return append(list, s)
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		out = appendUnique(out, s)
	}
	return out
}
