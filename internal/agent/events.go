package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// Event type constants for the agent's stream-json output.
const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeUser      = "user"
	EventTypeResult    = "result"
	EventTypeInit      = "init"
)

// Event is the envelope for one JSON line of --output-format stream-json.
// Type selects which fields are populated.
type Event struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// Message is either a plain string or a message object with content
	// blocks, depending on the runtime version.
	Message json.RawMessage `json:"message,omitempty"`

	// Result carries the final text of a result event.
	Result     string  `json:"result,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	CostUSD    float64 `json:"total_cost_usd,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

type messageBody struct {
	Model   string         `json:"model,omitempty"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// ParseEvent unmarshals one JSON line. Unknown fields are ignored.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) body() (messageBody, bool) {
	if len(e.Message) == 0 {
		return messageBody{}, false
	}
	if e.Message[0] == '"' {
		var s string
		if err := json.Unmarshal(e.Message, &s); err != nil {
			return messageBody{}, false
		}
		return messageBody{Content: []contentBlock{{Type: "text", Text: s}}}, true
	}
	var mb messageBody
	if err := json.Unmarshal(e.Message, &mb); err != nil {
		return messageBody{}, false
	}
	return mb, true
}

// Text returns the human-visible text of an assistant event. Tool calls,
// tool results and thinking blocks are excluded.
func (e Event) Text() string {
	if e.Type != EventTypeAssistant {
		return ""
	}
	mb, ok := e.body()
	if !ok {
		return ""
	}
	var parts []string
	for _, b := range mb.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolNames lists tool_use blocks in an assistant event.
func (e Event) ToolNames() []string {
	if e.Type != EventTypeAssistant {
		return nil
	}
	mb, ok := e.body()
	if !ok {
		return nil
	}
	var names []string
	for _, b := range mb.Content {
		if b.Type == "tool_use" && b.Name != "" {
			names = append(names, b.Name)
		}
	}
	return names
}

// Progress accumulates what the stream reported about one invocation.
type Progress struct {
	SessionID    string
	Model        string
	LastToolCall string
	ToolCount    int
	TurnCount    int
	CostUSD      float64
	Elapsed      time.Duration
	IsError      bool
	Events       int
}

func (p *Progress) apply(ev Event) {
	p.Events++
	switch ev.Type {
	case EventTypeSystem, EventTypeInit:
		if ev.SessionID != "" {
			p.SessionID = ev.SessionID
		}
		if ev.Model != "" {
			p.Model = ev.Model
		}
	case EventTypeAssistant:
		for _, name := range ev.ToolNames() {
			p.ToolCount++
			p.LastToolCall = name
		}
	case EventTypeResult:
		p.CostUSD = ev.CostUSD
		p.TurnCount = ev.NumTurns
		p.IsError = ev.IsError
		if ev.DurationMS > 0 {
			p.Elapsed = time.Duration(ev.DurationMS * float64(time.Millisecond))
		}
	}
}
