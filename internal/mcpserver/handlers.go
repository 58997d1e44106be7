package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/keymux/internal/keystore"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *KeymuxClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *KeymuxClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetKey checks out a key from the pool.
func (h *Handlers) HandleGetKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")

	raw, err := h.client.GetKey(ctx, group)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get key: %v", err)), nil
	}

	k, err := parseKey(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse key: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Checked out key from group %q:\n\n", k.Group)
	fmt.Fprintf(&sb, "  %s\n\n", k.Key)
	fmt.Fprintf(&sb, "Status: %s | Weight: %d | Uses: %d\n", k.Status, k.Weight, k.UsageCount)
	sb.WriteString("Report the outcome with report_outcome after the upstream call.")

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReportOutcome records an upstream response code for a key.
func (h *Handlers) HandleReportOutcome(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("key", "")
	if key == "" {
		return mcp.NewToolResultError("key is required"), nil
	}
	code := req.GetInt("code", 0)
	if code == 0 {
		return mcp.NewToolResultError("code is required"), nil
	}
	note := req.GetString("note", "")

	raw, err := h.client.ReportOutcome(ctx, key, code, note)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to report outcome: %v", err)), nil
	}

	var rep struct {
		StatusChanged bool   `json:"statusChanged"`
		Action        string `json:"action"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(raw, &rep); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}

	masked := keystore.Mask(key)
	if rep.StatusChanged {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Outcome %d recorded for %s.\nThe key is now %s (%s).",
			code, masked, rep.Status, rep.Action)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Outcome %d recorded for %s. Key status unchanged (%s).",
		code, masked, rep.Status)), nil
}

// HandleAcquireLease takes a concurrency slot for a key.
func (h *Handlers) HandleAcquireLease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("key", "")
	if key == "" {
		return mcp.NewToolResultError("key is required"), nil
	}
	maxConcurrent := req.GetInt("max_concurrent", 0)

	raw, err := h.client.AcquireLease(ctx, key, maxConcurrent)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to acquire lease: %v", err)), nil
	}

	var resp struct {
		LeaseID string `json:"leaseId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.LeaseID == "" {
		return mcp.NewToolResultError("No lease ID in response"), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Lease acquired for %s.\nLease ID: %s\n\n"+
			"Release it with release_lease when the upstream call completes.",
		keystore.Mask(key), resp.LeaseID)), nil
}

// HandleReleaseLease gives a concurrency slot back.
func (h *Handlers) HandleReleaseLease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("key", "")
	if key == "" {
		return mcp.NewToolResultError("key is required"), nil
	}
	leaseID := req.GetString("lease_id", "")
	if leaseID == "" {
		return mcp.NewToolResultError("lease_id is required"), nil
	}

	raw, err := h.client.ReleaseLease(ctx, key, leaseID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to release lease: %v", err)), nil
	}

	var resp struct {
		Released bool `json:"released"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	if resp.Released {
		return mcp.NewToolResultText("Lease released."), nil
	}
	return mcp.NewToolResultText(
		"Lease not found. It likely timed out and was already reclaimed."), nil
}

// HandleListKeys lists registered keys.
func (h *Handlers) HandleListKeys(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")

	raw, err := h.client.ListKeys(ctx, group)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list keys: %v", err)), nil
	}

	text, err := formatKeyList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse keys: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAddKey registers a new key in the pool.
func (h *Handlers) HandleAddKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("key", "")
	if key == "" {
		return mcp.NewToolResultError("key is required"), nil
	}
	name := req.GetString("name", "")
	group := req.GetString("group", "")

	// Absent weight means the engine default; an explicit 0 is the
	// fallback tier, so the two must stay distinguishable.
	var weight *int
	if v, ok := req.GetArguments()["weight"].(float64); ok {
		w := int(v)
		weight = &w
	}

	raw, err := h.client.AddKey(ctx, key, name, group, weight)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to add key: %v", err)), nil
	}

	k, err := parseKey(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse key: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Key registered:\n"+
			"  ID: %d\n"+
			"  Key: %s\n"+
			"  Group: %s | Status: %s | Weight: %d",
		k.ID, keystore.Mask(k.Key), k.Group, k.Status, k.Weight)), nil
}

// HandlePoolStatus returns the operator overview of the pool.
func (h *Handlers) HandlePoolStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.PoolStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get pool status: %v", err)), nil
	}

	text, err := formatPoolStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse pool status: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleUpdateSetting stores a runtime setting override.
func (h *Handlers) HandleUpdateSetting(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	value := req.GetString("value", "")
	if value == "" {
		return mcp.NewToolResultError("value is required"), nil
	}

	if _, err := h.client.UpdateSetting(ctx, name, value); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update setting: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Setting %s set to %q. The change takes effect without a restart.",
		name, value)), nil
}

// --- Formatting helpers ---

type keyInfo struct {
	ID         int64  `json:"id"`
	Key        string `json:"key"`
	Name       string `json:"name"`
	Group      string `json:"group"`
	Status     string `json:"status"`
	Weight     int    `json:"weight"`
	UsageCount int64  `json:"usageCount"`
	ErrorCount int64  `json:"errorCount"`
}

func parseKey(raw json.RawMessage) (*keyInfo, error) {
	var k keyInfo
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, err
	}
	if k.Key == "" {
		return nil, fmt.Errorf("no key in response: %s", string(raw))
	}
	return &k, nil
}

func formatKeyList(raw json.RawMessage) (string, error) {
	var resp struct {
		Keys  []keyInfo `json:"keys"`
		Count int       `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Keys) == 0 {
		return "No keys registered. Add one with add_key.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d key(s):\n\n", len(resp.Keys))
	for i, k := range resp.Keys {
		label := keystore.Mask(k.Key)
		if k.Name != "" {
			label += " (" + k.Name + ")"
		}
		fmt.Fprintf(&sb, "%d. [id %d] %s\n", i+1, k.ID, label)
		fmt.Fprintf(&sb, "   Group: %s | Status: %s | Weight: %d | Uses: %d | Errors: %d\n",
			k.Group, k.Status, k.Weight, k.UsageCount, k.ErrorCount)
	}
	return sb.String(), nil
}

func formatPoolStatus(raw json.RawMessage) (string, error) {
	var ov struct {
		Groups []struct {
			Group     string `json:"group"`
			Total     int    `json:"total"`
			Enabled   int    `json:"enabled"`
			Cooldown  int    `json:"cooldown"`
			Disabled  int    `json:"disabled"`
			ActiveKey string `json:"activeKey"`
		} `json:"groups"`
		Suspended []struct {
			Key              string `json:"key"`
			RemainingSeconds int    `json:"remainingSeconds"`
		} `json:"suspended"`
		InFlight int `json:"inFlight"`
	}
	if err := json.Unmarshal(raw, &ov); err != nil {
		return "", err
	}

	if len(ov.Groups) == 0 {
		return "The pool is empty. Register keys with add_key.", nil
	}

	var sb strings.Builder
	sb.WriteString("Pool status:\n\n")
	for _, g := range ov.Groups {
		fmt.Fprintf(&sb, "Group %q: %d key(s) (%d enabled, %d cooling, %d disabled)\n",
			g.Group, g.Total, g.Enabled, g.Cooldown, g.Disabled)
		if g.ActiveKey != "" {
			fmt.Fprintf(&sb, "  Active: %s\n", g.ActiveKey)
		}
	}

	if len(ov.Suspended) > 0 {
		sb.WriteString("\nCooling down:\n")
		for _, sk := range ov.Suspended {
			remaining := time.Duration(sk.RemainingSeconds) * time.Second
			fmt.Fprintf(&sb, "  %s (%s remaining)\n", sk.Key, remaining)
		}
	}

	fmt.Fprintf(&sb, "\nIn-flight leases: %d\n", ov.InFlight)
	return sb.String(), nil
}
