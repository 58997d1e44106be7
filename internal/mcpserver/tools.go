package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the keymux MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetKey = mcp.NewTool("get_key",
	mcp.WithDescription(
		"Check out an API key from the keymux pool. "+
			"Returns the healthiest key for the group along with its status. "+
			"Use the returned key for one upstream call, then report how it went with report_outcome."),
	mcp.WithString("group",
		mcp.Description("Key group to select from (e.g. 'openai', 'anthropic'). Omit for the default group.")),
)

var ToolReportOutcome = mcp.NewTool("report_outcome",
	mcp.WithDescription(
		"Report the HTTP status code an upstream call produced with a key. "+
			"The engine decides whether the key stays enabled, cools down, or is disabled, "+
			"based on the configured code lists. Report every outcome, including successes."),
	mcp.WithString("key",
		mcp.Required(),
		mcp.Description("The key secret the call was made with (from get_key)")),
	mcp.WithNumber("code",
		mcp.Required(),
		mcp.Description("The HTTP status code the upstream returned (e.g. 200, 429, 401)")),
	mcp.WithString("note",
		mcp.Description("Optional context for the audit log (e.g. the upstream error message)")),
)

var ToolAcquireLease = mcp.NewTool("acquire_lease",
	mcp.WithDescription(
		"Take a concurrency slot for a key before making a long-running upstream call. "+
			"Fails when the key is already at its ceiling. "+
			"Release the slot with release_lease when the call completes; "+
			"abandoned leases are reclaimed automatically after a timeout."),
	mcp.WithString("key",
		mcp.Required(),
		mcp.Description("The key secret to reserve a slot for")),
	mcp.WithNumber("max_concurrent",
		mcp.Description("Per-key concurrency ceiling. Omit to use the engine's configured default.")),
)

var ToolReleaseLease = mcp.NewTool("release_lease",
	mcp.WithDescription(
		"Give back a concurrency slot taken with acquire_lease. "+
			"Safe to call even if the lease already expired."),
	mcp.WithString("key",
		mcp.Required(),
		mcp.Description("The key secret the lease was acquired for")),
	mcp.WithString("lease_id",
		mcp.Required(),
		mcp.Description("The lease ID from the acquire_lease result")),
)

var ToolListKeys = mcp.NewTool("list_keys",
	mcp.WithDescription(
		"List the keys registered in the pool with their group, status, and usage counters. "+
			"Secrets are shown masked; use the numeric IDs to manage keys."),
	mcp.WithString("group",
		mcp.Description("Filter by key group. Omit to list all groups.")),
)

var ToolAddKey = mcp.NewTool("add_key",
	mcp.WithDescription(
		"Register a new API key in the pool. "+
			"The key starts enabled and becomes immediately eligible for selection."),
	mcp.WithString("key",
		mcp.Required(),
		mcp.Description("The key secret to register")),
	mcp.WithString("name",
		mcp.Description("Human-readable label for the key")),
	mcp.WithString("group",
		mcp.Description("Key group to register under (default: 'default')")),
	mcp.WithNumber("weight",
		mcp.Description("Selection tier: 1 for the normal rotation, 0 for the fallback tier used only when normal keys are exhausted")),
)

var ToolPoolStatus = mcp.NewTool("pool_status",
	mcp.WithDescription(
		"Get a live overview of the key pool: per-group health counts, the sticky active key, "+
			"keys currently cooling down with time remaining, and in-flight lease totals."),
)

var ToolUpdateSetting = mcp.NewTool("update_setting",
	mcp.WithDescription(
		"Change a runtime setting of the engine without a restart. "+
			"Known settings: cooldown_seconds (suspension length), "+
			"disable_codes and cooldown_codes (comma-separated HTTP codes), "+
			"selection_strategy ('sticky' or 'round_robin'), "+
			"and max_concurrent (default per-key ceiling, 0 for unlimited)."),
	mcp.WithString("name",
		mcp.Required(),
		mcp.Description("Setting name (e.g. 'cooldown_seconds')")),
	mcp.WithString("value",
		mcp.Required(),
		mcp.Description("New value as a string (e.g. '300' or '429,503')")),
)
