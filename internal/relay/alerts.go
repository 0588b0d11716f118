package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/parley-chat/parley/internal/audit"
	"go.uber.org/zap"
)

const (
	colorWarning  = 0xFF9900
	colorCritical = 0xCC3333
)

// AlertSession abstracts the discordgo methods Alerts uses, enabling
// mock-based testing without real Discord API calls.
type AlertSession interface {
	Open() error
	Close() error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Alerts pushes security-relevant events to a Discord channel. Every method
// is nil-receiver safe and swallows delivery failures: alerting is best
// effort and never gates the request path.
type Alerts struct {
	session   AlertSession
	channelID string
	logger    *zap.Logger
}

func NewAlerts(botToken, channelID string, logger *zap.Logger) (*Alerts, error) {
	if botToken == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord alert channel id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Alerts{session: session, channelID: channelID, logger: logger}, nil
}

// NewAlertsWithSession injects a session; used by tests.
func NewAlertsWithSession(session AlertSession, channelID string, logger *zap.Logger) *Alerts {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerts{session: session, channelID: channelID, logger: logger}
}

func (a *Alerts) Start() error {
	if a == nil {
		return nil
	}
	return a.session.Open()
}

func (a *Alerts) Stop() error {
	if a == nil {
		return nil
	}
	return a.session.Close()
}

// AccessDenied reports one agent ACL denial.
func (a *Alerts) AccessDenied(userID, agentID string) {
	a.send(&discordgo.MessageEmbed{
		Title: "Agent access denied",
		Color: colorWarning,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "User", Value: userID, Inline: true},
			{Name: "Agent", Value: agentID, Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ChainBreak reports a failed audit chain verification.
func (a *Alerts) ChainBreak(result *audit.VerifyResult) {
	if result == nil || result.Valid {
		return
	}

	ids := make([]string, 0, len(result.Tampered))
	for _, id := range result.Tampered {
		ids = append(ids, fmt.Sprintf("%d", id))
	}
	a.send(&discordgo.MessageEmbed{
		Title:       "Audit chain verification FAILED",
		Description: fmt.Sprintf("%d of %d checked rows tampered", len(result.Tampered), result.Checked),
		Color:       colorCritical,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Tampered row ids", Value: strings.Join(ids, ", ")},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *Alerts) send(embed *discordgo.MessageEmbed) {
	if a == nil {
		return
	}
	if _, err := a.session.ChannelMessageSendEmbed(a.channelID, embed); err != nil {
		a.logger.Warn("failed to deliver security alert",
			zap.String("alert", embed.Title),
			zap.Error(err),
		)
	}
}
