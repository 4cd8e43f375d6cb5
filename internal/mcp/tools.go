package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all benchmark driver tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerRuns(s, client)
	registerRunDetail(s, client)
	registerRunAccounts(s, client)
	registerRunVotes(s, client)
	registerVote(s, client)
	registerCompare(s, client)
	registerAnnotateRun(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebench_status",
		gomcp.WithDescription("Get the live benchmark status: run state, votes scheduled/submitted/confirmed, current TPS, warnings."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark driver unreachable: %v\n\nIs it running with -listen?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebench_health",
		gomcp.WithDescription("Quick health check for the benchmark driver. Round-trips the chain RPC endpoint."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark driver unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerRuns(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebench_runs",
		gomcp.WithDescription("List archived benchmark runs with summary metrics (paginated, newest first)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset)

		raw, err := client.Get(path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing runs failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebench_run_detail",
		gomcp.WithDescription("Get full results for one archived run: counts, throughput, delay stats, block intervals, on-chain verification."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get("/v1/runs/" + id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerRunAccounts(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebench_run_accounts",
		gomcp.WithDescription("Per-voter breakdown for one archived run: votes cast, outcomes, latency per account."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get("/v1/runs/" + id + "/accounts")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Account breakdown failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatAccounts(raw)), nil
	})
}

func registerRunVotes(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebench_run_votes",
		gomcp.WithDescription("Get the per-vote log of one archived run (paginated)."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max votes to return (default: 50, max: 1000)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		limit := req.GetInt("limit", 50)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/runs/%s/votes?limit=%d&offset=%d", id, limit, offset)

		raw, err := client.Get(path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Vote log failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatVotes(raw)), nil
	})
}

func registerVote(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebench_vote",
		gomcp.WithDescription("Look up a single archived vote by transaction hash."),
		gomcp.WithString("hash",
			gomcp.Required(),
			gomcp.Description("Transaction hash"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		hash, err := req.RequireString("hash")
		if err != nil {
			return gomcp.NewToolResultError("hash is required"), nil
		}
		raw, err := client.Get("/v1/votes/" + hash)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Vote lookup failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatVote(raw)), nil
	})
}

func registerCompare(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebench_compare",
		gomcp.WithDescription("Compare two archived runs side by side: throughput, outcome counts, confirmation delay, block intervals."),
		gomcp.WithString("id_a",
			gomcp.Required(),
			gomcp.Description("First run ID"),
		),
		gomcp.WithString("id_b",
			gomcp.Required(),
			gomcp.Description("Second run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		idA, err := req.RequireString("id_a")
		if err != nil {
			return gomcp.NewToolResultError("id_a is required"), nil
		}
		idB, err := req.RequireString("id_b")
		if err != nil {
			return gomcp.NewToolResultError("id_b is required"), nil
		}

		rawA, err := client.Get("/v1/runs/" + idA)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run %s failed: %v", idA, err)), nil
		}
		rawB, err := client.Get("/v1/runs/" + idB)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run %s failed: %v", idB, err)), nil
		}

		return gomcp.NewToolResultText(formatCompare(rawA, rawB)), nil
	})
}

func registerAnnotateRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebench_annotate_run",
		gomcp.WithDescription("Replace the notes of an archived run. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithString("notes",
			gomcp.Required(),
			gomcp.Description("New notes text"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		notes, err := req.RequireString("notes")
		if err != nil {
			return gomcp.NewToolResultError("notes is required"), nil
		}

		_, err = client.Patch("/v1/runs/"+id, map[string]string{"notes": notes})
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Annotate failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Annotated"),
			kv("ID", id),
			kv("Notes", notes),
		)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebench_delete_run",
		gomcp.WithDescription("Delete an archived run and its vote log. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		_, err = client.Delete("/v1/runs/" + id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Benchmark Status"),
		kv("Status", getStr(m, "status")),
		kv("Consensus", getStr(m, "consensus")),
		kv("Workload", getStr(m, "workload")),
		kv("Scheduled", formatNumber(getNum(m, "scheduled"))),
		kv("Submitted", formatNumber(getNum(m, "submitted"))),
		kv("Success", formatNumber(getNum(m, "success"))),
		kv("Reverted", formatNumber(getNum(m, "reverted"))),
		kv("Timeout", formatNumber(getNum(m, "timeout"))),
		kv("Submit Failed", formatNumber(getNum(m, "submitFailed"))),
		kv("Pending", formatNumber(getNum(m, "pending"))),
		kv("Current TPS", fmt.Sprintf("%.1f", getNum(m, "currentTps"))),
		kv("Elapsed", formatSec(getNum(m, "elapsedMs")/1000)),
	)

	if errMsg := getStr(m, "error"); errMsg != "" {
		lines += "\n" + kv("Error", errMsg)
	}

	if warnings, ok := m["warnings"].([]any); ok && len(warnings) > 0 {
		lines += "\n\n" + section("Warnings")
		for _, w := range warnings {
			lines += fmt.Sprintf("\n  - %v", w)
		}
	}

	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Benchmark Driver Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				name := getStr(check, "name")
				status := getStr(check, "status")
				latencyMs := getNum(check, "latency_ms")
				errMsg := getStr(check, "error")
				line := fmt.Sprintf("  %-15s %s (%dms)", name, status, int64(latencyMs))
				if errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func formatRuns(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing runs: %v", err)
	}

	total := getNum(m, "total")
	lines := joinLines(
		section("Benchmark Runs"),
		kv("Total Runs", formatNumber(total)),
		"",
	)

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		lines += "No runs found."
		return lines
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}

		startedAt := getStr(run, "startedAt")
		started := startedAt
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			started = t.Format("2006-01-02 15:04:05")
		}

		lines += fmt.Sprintf("### %s\n", getStr(run, "id"))
		lines += joinLines(
			kv("Consensus", getStr(run, "consensus")),
			kv("Workload", getStr(run, "workload")),
			kv("Status", getStr(run, "status")),
			kv("Votes", fmt.Sprintf("%s / %s ok",
				formatNumber(getNum(run, "scheduled")), formatNumber(getNum(run, "success")))),
			kv("TPS Estimate", fmt.Sprintf("%.2f", getNum(run, "tpsEstimate"))),
			kv("Started", started),
		)
		lines += "\n\n"
	}

	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var run map[string]any
	if err := json.Unmarshal(raw, &run); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}

	scheduled := getNum(run, "scheduled")
	success := getNum(run, "success")
	successRate := 0.0
	if scheduled > 0 {
		successRate = success / scheduled * 100
	}

	lines := joinLines(
		section("Run: "+getStr(run, "id")),
		kv("Status", getStr(run, "status")),
		kv("Consensus", getStr(run, "consensus")),
		kv("Workload", getStr(run, "workload")),
	)
	if spec := getStr(run, "phaseSpec"); spec != "" {
		lines += "\n" + kv("Phases", spec)
	}
	lines += "\n" + joinLines(
		kv("Duration", formatSec(getNum(run, "durationSec"))),
		kv("Scheduled", formatNumber(scheduled)),
		kv("Success", formatNumber(success)),
		kv("Reverted", formatNumber(getNum(run, "reverted"))),
		kv("Timeout", formatNumber(getNum(run, "timeout"))),
		kv("Submit Failed", formatNumber(getNum(run, "submitFailed"))),
		kv("Success Rate", formatPct(successRate)),
		kv("TPS Estimate", fmt.Sprintf("%.2f", getNum(run, "tpsEstimate"))),
	)

	if delay, ok := run["delay"].(map[string]any); ok {
		lines += "\n\n" + joinLines(
			section("Confirmation Delay"),
			kv("Confirmed", formatNumber(getNum(delay, "count"))),
			kv("Min", formatSec(getNum(delay, "minSec"))),
			kv("Avg", formatSec(getNum(delay, "avgSec"))),
			kv("P95", formatSec(getNum(delay, "p95Sec"))),
			kv("Max", formatSec(getNum(delay, "maxSec"))),
		)
	}

	if bs, ok := run["blockStats"].(map[string]any); ok {
		lines += "\n\n" + joinLines(
			section("Block Intervals"),
			kv("Blocks", formatNumber(getNum(bs, "blocks"))),
			kv("Intervals", formatNumber(getNum(bs, "intervals"))),
			kv("Mean", formatSec(getNum(bs, "meanSec"))),
			kv("Min", formatSec(getNum(bs, "minSec"))),
			kv("Max", formatSec(getNum(bs, "maxSec"))),
		)
	}

	if vc, ok := run["voteCheck"].(map[string]any); ok {
		pass := "FAILED"
		if v, _ := vc["allChecksPass"].(bool); v {
			pass = "PASSED"
		}
		lines += "\n\n" + joinLines(
			section("On-Chain Verification: "+pass),
			kv("Sampled Voters", formatNumber(getNum(vc, "sampled"))),
			kv("hasVoted OK", formatNumber(getNum(vc, "hasVotedOk"))),
			kv("Receipts OK", formatNumber(getNum(vc, "receiptOk"))),
		)
		if checked, _ := vc["tallyChecked"].(bool); checked {
			verdict := "mismatch"
			if match, _ := vc["tallyMatches"].(bool); match {
				verdict = "match"
			}
			lines += "\n" + kv("Tallies", fmt.Sprintf("%s (chain %s, driver %s)",
				verdict, formatNumber(getNum(vc, "onChainVotes")), formatNumber(getNum(vc, "driverSuccess"))))
		}
		if disc, ok := vc["discrepancies"].([]any); ok {
			for _, d := range disc {
				lines += fmt.Sprintf("\n  - %v", d)
			}
		}
	}

	if notes := getStr(run, "notes"); notes != "" {
		lines += "\n\n" + kv("Notes", notes)
	}
	if errMsg := getStr(run, "errorMessage"); errMsg != "" {
		lines += "\n" + kv("Error", errMsg)
	}
	if warnings, ok := run["warnings"].([]any); ok && len(warnings) > 0 {
		lines += "\n\n" + section("Warnings")
		for _, w := range warnings {
			lines += fmt.Sprintf("\n  - %v", w)
		}
	}

	return lines
}

func formatAccounts(raw json.RawMessage) string {
	var accounts []map[string]any
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return fmt.Sprintf("Error parsing accounts: %v", err)
	}

	lines := section("Account Breakdown")
	if len(accounts) == 0 {
		return lines + "\nNo votes recorded."
	}

	for _, a := range accounts {
		lines += fmt.Sprintf("\n  %-44s votes=%-5s ok=%-5s reverted=%-4s timeout=%-4s failed=%-4s avg=%s",
			getStr(a, "account"),
			formatNumber(getNum(a, "votes")),
			formatNumber(getNum(a, "success")),
			formatNumber(getNum(a, "reverted")),
			formatNumber(getNum(a, "timeout")),
			formatNumber(getNum(a, "submitFailed")),
			formatSec(getNum(a, "avgLatencySec")),
		)
	}

	return lines
}

func formatVotes(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing votes: %v", err)
	}

	total := getNum(m, "total")
	lines := joinLines(
		section("Vote Log"),
		kv("Total", formatNumber(total)),
		"",
	)

	votes, ok := m["votes"].([]any)
	if !ok || len(votes) == 0 {
		lines += "No votes found."
		return lines
	}

	for i, v := range votes {
		if i >= 20 {
			lines += fmt.Sprintf("\n... and %d more", len(votes)-20)
			break
		}
		vote, ok := v.(map[string]any)
		if !ok {
			continue
		}
		hash := getStr(vote, "hash")
		if len(hash) > 18 {
			hash = hash[:18] + "..."
		}
		if hash == "" {
			hash = "(not submitted)"
		}
		line := fmt.Sprintf("  [%d] %-22s %-18s proposal=%d",
			int64(getNum(vote, "sequenceIndex")), hash,
			getStr(vote, "status"), int64(getNum(vote, "proposalId")))
		if lat := getNum(vote, "latencySec"); lat > 0 {
			line += fmt.Sprintf("  %s", formatSec(lat))
		}
		lines += "\n" + line
	}

	return lines
}

func formatVote(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing vote: %v", err)
	}

	lines := joinLines(
		section("Vote "+getStr(m, "hash")),
		kv("Run", getStr(m, "runId")),
		kv("Sequence", formatNumber(getNum(m, "sequenceIndex"))),
		kv("Phase", getStr(m, "phase")),
		kv("Proposal", formatNumber(getNum(m, "proposalId"))),
		kv("Account", getStr(m, "account")),
		kv("Nonce", formatNumber(getNum(m, "nonce"))),
		kv("Status", getStr(m, "status")),
	)

	if block := getNum(m, "blockNumber"); block > 0 {
		lines += "\n" + kv("Block", formatNumber(block))
	}
	if token := getNum(m, "tokenId"); token > 0 {
		lines += "\n" + kv("Receipt Token", formatNumber(token))
	}
	if lat := getNum(m, "latencySec"); lat > 0 {
		lines += "\n" + kv("Latency", formatSec(lat))
	}
	if errMsg := getStr(m, "error"); errMsg != "" {
		lines += "\n" + kv("Error", errMsg)
	}

	return lines
}

func formatCompare(rawA, rawB json.RawMessage) string {
	var a, b map[string]any
	if err := json.Unmarshal(rawA, &a); err != nil {
		return fmt.Sprintf("Error parsing first run: %v", err)
	}
	if err := json.Unmarshal(rawB, &b); err != nil {
		return fmt.Sprintf("Error parsing second run: %v", err)
	}

	rate := func(m map[string]any) string {
		scheduled := getNum(m, "scheduled")
		if scheduled == 0 {
			return "n/a"
		}
		return formatPct(getNum(m, "success") / scheduled * 100)
	}
	delayStat := func(m map[string]any, key string) string {
		if delay, ok := m["delay"].(map[string]any); ok {
			return formatSec(getNum(delay, key))
		}
		return "n/a"
	}
	blockMean := func(m map[string]any) string {
		if bs, ok := m["blockStats"].(map[string]any); ok {
			return formatSec(getNum(bs, "meanSec"))
		}
		return "n/a"
	}

	return joinLines(
		section("Run Comparison"),
		kv2("Run", getStr(a, "id"), getStr(b, "id")),
		kv2("Consensus", getStr(a, "consensus"), getStr(b, "consensus")),
		kv2("Workload", getStr(a, "workload"), getStr(b, "workload")),
		kv2("Status", getStr(a, "status"), getStr(b, "status")),
		kv2("Scheduled", formatNumber(getNum(a, "scheduled")), formatNumber(getNum(b, "scheduled"))),
		kv2("Success Rate", rate(a), rate(b)),
		kv2("TPS Estimate",
			fmt.Sprintf("%.2f", getNum(a, "tpsEstimate")),
			fmt.Sprintf("%.2f", getNum(b, "tpsEstimate"))),
		kv2("Avg Delay", delayStat(a, "avgSec"), delayStat(b, "avgSec")),
		kv2("P95 Delay", delayStat(a, "p95Sec"), delayStat(b, "p95Sec")),
		kv2("Block Interval", blockMean(a), blockMean(b)),
	)
}

// Helper functions

func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
