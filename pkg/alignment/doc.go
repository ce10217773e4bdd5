// Package alignment reviews the artifacts of several work items at a phase
// boundary and turns the differences it finds into drift events.
//
// Five checks run over the latest successful artifacts of each reviewed item:
// naming conflicts, inconsistent interfaces, duplicated scope, undeclared
// dependency order and diverging shared components. Each finding carries a
// machine-applicable edit and the traits the classifier needs.
//
// Approved and modified events are applied by appending a resolution record
// with rewritten artifacts to each affected item. A halting event also sends
// the affected items back to the phase that produced the artifacts. After
// every application the touched items and their related items are checked
// again; anything new is appended to the same report and the parent event is
// marked for follow-up.
package alignment
