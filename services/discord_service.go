package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"xandindexer/models"
)

// embedSender is the part of *discordgo.Session the notifier sends through.
type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// StatsSource answers the bot's status command.
type StatsSource interface {
	Stats(ctx context.Context) (models.NetworkStats, bool)
}

// DiscordNotifier posts fired alerts to one channel and answers a small
// set of "!xand" commands there.
type DiscordNotifier struct {
	session   *discordgo.Session
	sender    embedSender
	channelID string
	botID     string
	stats     StatsSource
	logger    *slog.Logger
}

// NewDiscordNotifier opens the bot session. stats may be nil.
func NewDiscordNotifier(token, channelID string, stats StatsSource, logger *slog.Logger) (*DiscordNotifier, error) {
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("discord token and channel id are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	user, err := session.User("@me")
	if err != nil {
		return nil, fmt.Errorf("get bot user: %w", err)
	}

	d := &DiscordNotifier{
		session:   session,
		sender:    session,
		channelID: channelID,
		botID:     user.ID,
		stats:     stats,
		logger:    logger.With("component", "discord"),
	}
	session.AddHandler(d.messageHandler)
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open discord connection: %w", err)
	}

	d.logger.Info("discord bot connected", "bot_id", user.ID, "channel", channelID)
	return d, nil
}

func (d *DiscordNotifier) Close() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *DiscordNotifier) Notify(_ context.Context, alert models.Alert) error {
	if _, err := d.sender.ChannelMessageSendEmbed(d.channelID, alertEmbed(alert)); err != nil {
		return fmt.Errorf("send discord alert: %w", err)
	}
	d.logger.Debug("alert sent to discord", "rule", alert.RuleName)
	return nil
}

func (d *DiscordNotifier) messageHandler(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == d.botID || m.ChannelID != d.channelID {
		return
	}
	reply := d.commandReply(m.Content)
	if reply == "" {
		return
	}
	if _, err := s.ChannelMessageSend(m.ChannelID, reply); err != nil {
		d.logger.Warn("discord reply failed", "err", err)
	}
}

func (d *DiscordNotifier) commandReply(content string) string {
	args := strings.Fields(content)
	if len(args) < 2 || args[0] != "!xand" {
		return ""
	}

	switch args[1] {
	case "ping":
		return "Pong! pNode indexer is online."
	case "help":
		return "**Commands:**\n`!xand ping` - check the bot\n`!xand status` - current network summary"
	case "status":
		if d.stats == nil {
			return "Network status is not available."
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stats, ok := d.stats.Stats(ctx)
		if !ok {
			return "No indexing cycle has completed yet."
		}
		return fmt.Sprintf("**Network:** %d pNodes (%d online, %d delinquent, %d offline), health %d/100",
			stats.TotalNodes, stats.OnlineNodes, stats.DelinquentNodes, stats.OfflineNodes, stats.HealthScore)
	}
	return fmt.Sprintf("Unknown command: `%s`. Try `!xand help`", args[1])
}

func severityColor(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 0xE74C3C
	case models.SeverityWarning:
		return 0xF39C12
	case models.SeveritySuccess:
		return 0x2ECC71
	default:
		return 0x3498DB
	}
}

func alertEmbed(alert models.Alert) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Metric", Value: string(alert.Metric), Inline: true},
		{Name: "Value", Value: fmt.Sprintf("%.2f", alert.Value), Inline: true},
		{Name: "Condition", Value: fmt.Sprintf("%s %g", alert.Operator, alert.Threshold), Inline: true},
	}
	if alert.NodeID != nil {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Node", Value: *alert.NodeID})
	}

	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("[%s] %s", alert.Severity, alert.RuleName),
		Description: alert.Message,
		Color:       severityColor(alert.Severity),
		Fields:      fields,
		Timestamp:   alert.TriggeredAt.Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "pNode indexer"},
	}
}
