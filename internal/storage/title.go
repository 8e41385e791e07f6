// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/util"
)

// Title heuristic parameters.
const (
	TitleMaxRunes     = 30
	titleMaxWords     = 4
	titleMinRunes     = 5 // a candidate must be longer than this
	defaultTitleStamp = "2006-01-02 15:04"
)

var folder = cases.Fold()

// greetings are replies that say nothing about the conversation.
var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "greetings": true, "hi there": true,
	"hello there": true, "hey there": true, "good morning": true,
	"good afternoon": true, "good evening": true, "howdy": true,
	"how can i help you": true, "how can i help you today": true,
	"how can i assist you": true, "how can i assist you today": true,
	"hello how can i help you": true, "hello how can i help you today": true,
	"hi how can i help you": true, "hi how can i help you today": true,
	"hello how can i assist you today": true, "hi how can i assist you today": true,
	"你好": true, "您好": true, "你好有什么可以帮你的吗": true,
}

// DefaultTitle is used when no message can name the conversation.
func DefaultTitle(now time.Time) string {
	return "New chat " + now.Format(defaultTitleStamp)
}

// SuggestTitle names a conversation from its messages.
//
// The first non-blank user message is reduced to up to four words longer
// than one character; that candidate wins when it is longer than five runes.
// Otherwise the raw user text is used. Without a user message the first
// non-blank assistant reply that is not a bare greeting is used, and failing
// that DefaultTitle. Results are cut to TitleMaxRunes with an ellipsis.
func SuggestTitle(msgs []model.Message, now time.Time) string {
	for _, m := range msgs {
		if m.Role != model.RoleUser || m.IsBlank() {
			continue
		}
		if candidate := keywordTitle(m.Content); util.RuneLen(candidate) > titleMinRunes {
			return truncateTitle(candidate)
		}
		return truncateTitle(util.CollapseSpace(m.Content))
	}
	for _, m := range msgs {
		if m.Role != model.RoleAssistant || m.IsBlank() || IsGreeting(m.Content) {
			continue
		}
		return truncateTitle(util.CollapseSpace(m.Content))
	}
	return DefaultTitle(now)
}

// truncateTitle cuts s to TitleMaxRunes, dropping trailing space before the
// ellipsis.
func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= TitleMaxRunes {
		return s
	}
	return strings.TrimRightFunc(string(runes[:TitleMaxRunes]), unicode.IsSpace) + util.Ellipsis
}

// keywordTitle strips punctuation and symbols and keeps up to four words of
// more than one rune.
func keywordTitle(text string) string {
	words := make([]string, 0, titleMaxWords)
	for _, w := range strings.Fields(stripPunct(norm.NFKC.String(text))) {
		if util.RuneLen(w) <= 1 {
			continue
		}
		words = append(words, w)
		if len(words) == titleMaxWords {
			break
		}
	}
	return strings.Join(words, " ")
}

func stripPunct(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, s)
}

// IsGreeting reports whether text is only a salutation, ignoring case,
// punctuation and spacing.
func IsGreeting(text string) bool {
	key := util.CollapseSpace(stripPunct(folder.String(norm.NFKC.String(text))))
	if greetings[key] {
		return true
	}
	// Chinese greetings are written without spaces.
	return greetings[strings.ReplaceAll(key, " ", "")]
}
