// Package discord connects the watch loop and the command surface to a
// Discord bot session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// MaxMessageRunes is the Discord limit on the content of one message.
const MaxMessageRunes = 2000

// ErrNoChannel is returned when a message is addressed to channel 0.
var ErrNoChannel = errors.New("discord: no channel")

// messageSender is the part of *discordgo.Session the sink needs.
type messageSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Sink posts text to Discord channels. It implements watch.Sink.
type Sink struct {
	session messageSender
}

func NewSink(s *discordgo.Session) *Sink { return &Sink{session: s} }

// Send posts text to channelID. Text longer than MaxMessageRunes goes out as
// consecutive messages; the first failing part aborts the rest.
func (s *Sink) Send(ctx context.Context, channelID int64, text string) error {
	if channelID <= 0 {
		return ErrNoChannel
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("discord: empty message")
	}
	ch := strconv.FormatInt(channelID, 10)
	for i, part := range splitMessage(text, MaxMessageRunes) {
		if _, err := s.session.ChannelMessageSend(ch, part, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send to channel %s (part %d): %w", ch, i+1, err)
		}
	}
	return nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring to
// break after a newline in the second half of a chunk.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
