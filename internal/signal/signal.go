// Package signal extracts control markers from agent transcripts.
//
// Markers are checked in a fixed precedence order and the first one present
// wins, independent of where it appears in the text:
//
//	PLANNING_COMPLETE > PHASE_COMPLETE > VERIFICATION_FAILED > CHECKPOINT > ERROR > FIX_COMPLETE
//
// A transcript carrying both an ERROR block and PHASE_COMPLETE therefore
// resolves to PhaseComplete: an agent that recovered from an intermediate
// error and then declared completion is taken at its final word, and the
// code review gate still inspects the result.
package signal

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Kind identifies which marker was found.
type Kind int

const (
	None Kind = iota
	PlanningComplete
	PhaseComplete
	VerificationFailed
	Checkpoint
	Error
	FixComplete
)

// Marker strings as they appear in transcripts.
const (
	MarkerPlanningComplete   = "[SPRINT:PLANNING_COMPLETE]"
	MarkerPhaseComplete      = "[SPRINT:PHASE_COMPLETE]"
	MarkerVerificationFailed = "[SPRINT:VERIFICATION_FAILED]"
	MarkerCheckpoint         = "[SPRINT:CHECKPOINT]"
	MarkerCheckpointEnd      = "[/CHECKPOINT]"
	MarkerError              = "[SPRINT:ERROR]"
	MarkerErrorEnd           = "[/ERROR]"
	MarkerFixComplete        = "[SPRINT:FIX_COMPLETE]"
)

// Checkpoint types.
const (
	CheckpointAuthGate    = "auth-gate"
	CheckpointDecision    = "decision"
	CheckpointHumanVerify = "human-verify"
)

// maxDetail bounds the error/checkpoint detail kept from a transcript.
const maxDetail = 2000

// precedence is the documented check order.
var precedence = []Kind{PlanningComplete, PhaseComplete, VerificationFailed, Checkpoint, Error, FixComplete}

var markers = map[Kind]string{
	PlanningComplete:   MarkerPlanningComplete,
	PhaseComplete:      MarkerPhaseComplete,
	VerificationFailed: MarkerVerificationFailed,
	Checkpoint:         MarkerCheckpoint,
	Error:              MarkerError,
	FixComplete:        MarkerFixComplete,
}

func (k Kind) String() string {
	switch k {
	case PlanningComplete:
		return "planning-complete"
	case PhaseComplete:
		return "phase-complete"
	case VerificationFailed:
		return "verification-failed"
	case Checkpoint:
		return "checkpoint"
	case Error:
		return "error"
	case FixComplete:
		return "fix-complete"
	default:
		return "none"
	}
}

// Marker returns the literal marker for k, or "" for None.
func (k Kind) Marker() string {
	return markers[k]
}

// Signal is the outcome extracted from one transcript.
type Signal struct {
	Kind Kind
	// CheckpointType is set for Checkpoint signals (normalized, lower-case).
	CheckpointType string
	// Detail carries the checkpoint body or error text.
	Detail string
}

// IsAuthGate reports whether the signal is a credential/auth checkpoint.
func (s Signal) IsAuthGate() bool {
	return s.Kind == Checkpoint && s.CheckpointType == CheckpointAuthGate
}

// Parse returns the highest-precedence marker in transcript.
func Parse(transcript string) Signal {
	for _, k := range precedence {
		idx := strings.Index(transcript, markers[k])
		if idx < 0 {
			continue
		}
		rest := transcript[idx+len(markers[k]):]
		switch k {
		case Checkpoint:
			body := block(rest, MarkerCheckpointEnd)
			return Signal{Kind: k, CheckpointType: checkpointType(body), Detail: body}
		case Error:
			return Signal{Kind: k, Detail: block(rest, MarkerErrorEnd)}
		default:
			return Signal{Kind: k}
		}
	}
	return Signal{Kind: None}
}

// Contains reports whether transcript carries the marker for k, regardless
// of precedence.
func Contains(transcript string, k Kind) bool {
	m := markers[k]
	return m != "" && strings.Contains(transcript, m)
}

func block(rest, end string) string {
	if i := strings.Index(rest, end); i >= 0 {
		rest = rest[:i]
	}
	rest = strings.TrimSpace(rest)
	if len(rest) > maxDetail {
		cut := maxDetail
		for cut > 0 && !utf8.RuneStart(rest[cut]) {
			cut--
		}
		rest = rest[:cut] + "..."
	}
	return rest
}

// typePattern captures the first token after "type:", inline or on its own
// line.
var typePattern = regexp.MustCompile(`(?i)\btype:\s*([A-Za-z][A-Za-z_\-]*)`)

// checkpointType extracts and normalizes the checkpoint type. Synonyms used
// by agents in the wild collapse to the three canonical types.
func checkpointType(body string) string {
	m := typePattern.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	t := strings.ToLower(strings.TrimSpace(m[1]))
	t = strings.ReplaceAll(t, "_", "-")
	switch t {
	case "auth-gate", "auth", "authentication", "credential", "credentials", "credential-gate":
		return CheckpointAuthGate
	case "decision", "human-decision":
		return CheckpointDecision
	case "human-verify", "verify", "human-verification", "verification":
		return CheckpointHumanVerify
	}
	return t
}

// Instructions renders the marker contract for the given kinds, one per
// line, for inclusion in agent prompts.
func Instructions(kinds ...Kind) string {
	var b strings.Builder
	for _, k := range kinds {
		switch k {
		case Checkpoint:
			b.WriteString(MarkerCheckpoint + "\ntype: auth-gate|decision|human-verify\n<what you need from a human>\n" + MarkerCheckpointEnd + "\n")
		case Error:
			b.WriteString(MarkerError + " <what went wrong> " + MarkerErrorEnd + "\n")
		default:
			b.WriteString(k.Marker() + "\n")
		}
	}
	return b.String()
}
