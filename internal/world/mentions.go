package world

import "strings"

// LeadingMention returns the @name token when content opens a line or
// paragraph with a mention. Only a leading mention addresses an agent;
// mid-sentence mentions are plain text.
func LeadingMention(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "@") {
			return ""
		}
		return mentionToken(trimmed[1:])
	}
	return ""
}

func mentionToken(s string) string {
	end := len(s)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == ',' || c == ':' || c == '.' || c == '!' || c == '?' {
			end = i
			break
		}
	}
	return s[:end]
}

// HasLeadingMentionOf reports whether content already addresses the named
// recipient, used to skip redundant auto-mentions.
func HasLeadingMentionOf(content, name string) bool {
	m := LeadingMention(content)
	return m != "" && equalFold(m, name)
}

// Target is one agent selected by addressing, with the memory-only marker
// that keeps cross-agent chatter from triggering reply loops.
type Target struct {
	AgentID    string
	MemoryOnly bool
}

// ResolveTargets applies the addressing rules: an explicit leading mention
// targets only that agent; an unaddressed human message targets every agent;
// an agent-to-agent message reaches other agents memory-only unless it
// carries a leading mention of one of them.
func ResolveTargets(w *WorldState, msg Message) []Target {
	mention := LeadingMention(msg.Content)
	var mentioned *AgentInfo
	if mention != "" {
		mentioned = w.AgentByName(mention)
	}

	fromHuman := msg.Sender == SenderHuman || msg.Sender == SenderSystem

	if mentioned != nil && mentioned.ID != msg.Sender {
		if fromHuman {
			return []Target{{AgentID: mentioned.ID}}
		}
		// Agent-to-agent: the mentioned agent replies, everyone else only
		// remembers the exchange.
		out := []Target{{AgentID: mentioned.ID}}
		for _, id := range w.AgentOrder {
			if id == msg.Sender || id == mentioned.ID {
				continue
			}
			out = append(out, Target{AgentID: id, MemoryOnly: true})
		}
		return out
	}

	out := make([]Target, 0, len(w.AgentOrder))
	for _, id := range w.AgentOrder {
		if id == msg.Sender {
			continue
		}
		out = append(out, Target{AgentID: id, MemoryOnly: !fromHuman})
	}
	return out
}

// AutoMentionPolicy decides which prior sender, if any, a reply should
// address when it carries no mention of its own. An empty return leaves the
// reply untouched. The exact product rules here are still unsettled, which is
// why this is a function value rather than hard-coded behavior.
type AutoMentionPolicy func(w *WorldState, agentID string, reply string, inbound Message) string

// DefaultAutoMention continues a directed agent-to-agent exchange by
// addressing the inbound sender. Human-originated messages with no addressee
// and tool outcomes never trigger it.
func DefaultAutoMention(w *WorldState, agentID string, reply string, inbound Message) string {
	if w == nil || !w.AutoMention {
		return ""
	}
	if inbound.Sender == SenderHuman || inbound.Sender == SenderSystem {
		return ""
	}
	if inbound.Role == RoleTool {
		return ""
	}
	if LeadingMention(reply) != "" {
		return ""
	}
	if sender := w.Agent(inbound.Sender); sender != nil {
		return sender.Name
	}
	return ""
}
