package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/parley-chat/parley/internal/audit"
)

type mockAlertSession struct {
	mu     sync.Mutex
	embeds []*discordgo.MessageEmbed
	chans  []string
	err    error
}

func (m *mockAlertSession) Open() error  { return nil }
func (m *mockAlertSession) Close() error { return nil }

func (m *mockAlertSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeds = append(m.embeds, embed)
	m.chans = append(m.chans, channelID)
	return &discordgo.Message{}, m.err
}

func TestAlertsAccessDenied(t *testing.T) {
	session := &mockAlertSession{}
	alerts := NewAlertsWithSession(session, "chan-1", nil)

	alerts.AccessDenied("alice", "private-agent")

	if len(session.embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(session.embeds))
	}
	if session.chans[0] != "chan-1" {
		t.Errorf("sent to channel %q, want chan-1", session.chans[0])
	}
	embed := session.embeds[0]
	if embed.Color != colorWarning {
		t.Errorf("color = %#x, want %#x", embed.Color, colorWarning)
	}
	if len(embed.Fields) != 2 || embed.Fields[0].Value != "alice" || embed.Fields[1].Value != "private-agent" {
		t.Errorf("unexpected fields: %+v", embed.Fields)
	}
}

func TestAlertsChainBreak(t *testing.T) {
	session := &mockAlertSession{}
	alerts := NewAlertsWithSession(session, "chan-1", nil)

	alerts.ChainBreak(&audit.VerifyResult{Valid: false, Checked: 10, Tampered: []int64{3, 7}})

	if len(session.embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(session.embeds))
	}
	embed := session.embeds[0]
	if embed.Color != colorCritical {
		t.Errorf("color = %#x, want %#x", embed.Color, colorCritical)
	}
	if len(embed.Fields) != 1 || embed.Fields[0].Value != "3, 7" {
		t.Errorf("unexpected fields: %+v", embed.Fields)
	}
}

func TestAlertsChainBreakSkipsValidResult(t *testing.T) {
	session := &mockAlertSession{}
	alerts := NewAlertsWithSession(session, "chan-1", nil)

	alerts.ChainBreak(&audit.VerifyResult{Valid: true, Checked: 10})
	alerts.ChainBreak(nil)

	if len(session.embeds) != 0 {
		t.Errorf("valid result must not alert, got %d embeds", len(session.embeds))
	}
}

func TestAlertsSwallowDeliveryFailure(t *testing.T) {
	session := &mockAlertSession{err: errors.New("discord down")}
	alerts := NewAlertsWithSession(session, "chan-1", nil)

	// Must not panic or propagate.
	alerts.AccessDenied("alice", "agent")
}

func TestAlertsNilReceiver(t *testing.T) {
	var alerts *Alerts

	// Every entry point must tolerate an unconfigured alerter.
	alerts.AccessDenied("alice", "agent")
	alerts.ChainBreak(&audit.VerifyResult{Valid: false})
	if err := alerts.Start(); err != nil {
		t.Errorf("nil Start: %v", err)
	}
	if err := alerts.Stop(); err != nil {
		t.Errorf("nil Stop: %v", err)
	}
}
