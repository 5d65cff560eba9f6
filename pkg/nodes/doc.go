// Package nodes provides the built-in node models.
//
// Every node type has a Factory registered under a stable type name (see the
// Type constants), so workflows saved with built-in nodes load back through
// NewRegistry. Models with settings implement workflow.SettingsModel:
//
//	daedalus.constant             value
//	daedalus.loop.counting_start  count
//	daedalus.text.case            mode (upper, lower, title, fold), language
//	daedalus.script               script, timeout_ms
//	daedalus.json.query           path or paths
//	daedalus.json.set             operation (set, delete), path, value
//	daedalus.branch.switch        logic (AND, OR), conditions
//
// A switch condition is an object with path, type (string, number, boolean),
// operator, value and case_insensitive. The switch emits its input on the
// first outport when the conditions hold and on the second otherwise; the
// other outport is inactive. daedalus.branch.join ends the branch by
// forwarding its first active input.
//
// Script nodes run JavaScript with goja. Each run gets a fresh VM; the
// concurrency.Limiter handed to ScriptFactory bounds how many run at once.
package nodes
