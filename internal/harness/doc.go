// Package harness executes YAML-defined scenarios against a fresh
// engine instance and checks the resulting facts, events, timers and
// audit trail.
//
// A scenario names the rule documents to load, a sequence of steps to
// drive the engine with, and assertions over the final state:
//
//	name: group-toggle
//	description: disabling a group suppresses its rules
//	documents:
//	  - group_toggle.rules.yaml
//	steps:
//	  - disableGroup: billing
//	  - emit:
//	      topic: invoice.created
//	      data: { invoiceId: INV-1 }
//	  - assert:
//	      type: fact_absent
//	      key: billing:fired
//	assertions:
//	  - type: audit_count
//	    audit: rule_skipped
//	    count: 1
//
// Runs are deterministic: the engine gets a fake clock pinned to a
// fixed epoch, sequential IDs and a single cascade worker, so the same
// scenario always produces the same fact versions, event order and
// audit trail. RunWithGolden snapshots that state and compares it
// against a golden file under testdata/golden.
package harness
