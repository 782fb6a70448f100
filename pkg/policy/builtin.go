package policy

// BuiltinPolicies returns the stock dispatch policies. They cover the
// obviously dangerous cases; deployments layer their own modules on
// top with Engine.Add.
func BuiltinPolicies() []Policy {
	return []Policy{
		blockedTasksPolicy(),
		attemptBudgetPolicy(),
	}
}

// blockedTasksPolicy denies task references named in the engine's
// blocklist.
func blockedTasksPolicy() Policy {
	return Policy{
		Name:        "blocked-tasks",
		Description: "Denies dispatch of task references on the configured blocklist",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package skein.dispatch.blocked

import rego.v1

deny contains violation if {
	some blocked in input.blocked_tasks
	input.task_ref == blocked
	violation := {
		"message": sprintf("task %q is blocked by policy", [blocked]),
		"severity": "error",
	}
}

deny contains violation if {
	input.task_ref == ""
	violation := {
		"message": "task reference is empty",
		"severity": "error",
	}
}
`,
	}
}

// attemptBudgetPolicy flags suspiciously high retry attempts so a
// misbehaving plan shows up in the logs before it burns its budget.
func attemptBudgetPolicy() Policy {
	return Policy{
		Name:        "attempt-budget",
		Description: "Warns when a task is dispatched beyond its tenth attempt",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package skein.dispatch.attempts

import rego.v1

deny contains violation if {
	input.attempt > 10
	violation := {
		"message": sprintf("task %q on attempt %d", [input.task_ref, input.attempt]),
		"severity": "warning",
	}
}
`,
	}
}
