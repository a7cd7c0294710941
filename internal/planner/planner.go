// Package planner extracts an ExecutionPlan from the planner agent's free
// text: first a fenced ```json block, else the first balanced JSON object in
// the text; on parse failure, falls back to a single-agent plan assigning the
// whole task description to a default role. No reference implementation
// produces a structured multi-agent plan like this, so the extraction logic
// is built directly from this package's own contract. Token estimation (for
// a pre-flight cost figure) is new domain wiring via tiktoken-go.
package planner

import (
	"encoding/json"
	"regexp"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"anvil/internal/costtracker"
	"anvil/internal/schema"
)

const defaultBackendRole = "backend"

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// rawPlan mirrors the JSON shape the planner agent is asked to emit.
type rawPlan struct {
	Stack         []string          `json:"stack"`
	FileOwnership map[string]string `json:"file_ownership"`
	SharedFiles   []string          `json:"shared_files"`
	Agents        []rawAgentTask    `json:"agents"`
}

type rawAgentTask struct {
	Role          string   `json:"role"`
	Description   string   `json:"description"`
	FilesToModify []string `json:"files_to_modify"`
	FilesToCreate []string `json:"files_to_create"`
	DependsOn     []string `json:"depends_on"`
}

// Extract parses the planner's text into an ExecutionPlan, falling back to a
// single-agent plan on any parse failure.
func Extract(taskID, description, plannerText string) schema.ExecutionPlan {
	candidate := extractCandidate(plannerText)
	if candidate != "" {
		var rp rawPlan
		if err := json.Unmarshal([]byte(candidate), &rp); err == nil && len(rp.Agents) > 0 {
			return toExecutionPlan(taskID, description, rp)
		}
	}
	return fallbackPlan(taskID, description)
}

func extractCandidate(text string) string {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if obj := firstBalancedObject(text); obj != "" {
		return obj
	}
	return ""
}

// firstBalancedObject scans for the first brace-balanced {...} substring,
// tolerant of braces inside string literals.
func firstBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func toExecutionPlan(taskID, description string, rp rawPlan) schema.ExecutionPlan {
	agents := make([]schema.AgentTask, 0, len(rp.Agents))
	for _, a := range rp.Agents {
		agents = append(agents, schema.AgentTask{
			Role:          a.Role,
			Description:   a.Description,
			FilesToModify: a.FilesToModify,
			FilesToCreate: a.FilesToCreate,
			DependsOn:     a.DependsOn,
		})
	}
	return schema.ExecutionPlan{
		TaskID:        taskID,
		Description:   description,
		Stack:         rp.Stack,
		FileOwnership: rp.FileOwnership,
		SharedFiles:   rp.SharedFiles,
		Agents:        agents,
	}
}

func fallbackPlan(taskID, description string) schema.ExecutionPlan {
	return schema.ExecutionPlan{
		TaskID:      taskID,
		Description: description,
		Agents: []schema.AgentTask{
			{Role: defaultBackendRole, Description: description},
		},
	}
}

// EstimateTokens uses tiktoken-go to roughly size a prompt, giving the
// Orchestrator an estimated_cost figure before any worker agent has run.
func EstimateTokens(text string) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil || enc == nil {
		// a conservative fallback: ~4 chars/token, matching common estimates
		// for English prose, used only if the encoder table can't load.
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateCost applies the cost tracker's rate table to an estimated input
// size, assuming an equal-sized response, to produce a rough pre-flight
// figure for ExecutionPlan.EstimatedCostUSD.
func EstimateCost(model string, inputTokens int) (outputTokens int, costUSD float64) {
	rate, ok := costtracker.DefaultRates[model]
	if !ok {
		rate = costtracker.DefaultRates["sonnet"]
	}
	outputTokens = inputTokens
	costUSD = (float64(inputTokens)*rate.InputPerMillion + float64(outputTokens)*rate.OutputPerMillion) / 1e6
	return outputTokens, costUSD
}
