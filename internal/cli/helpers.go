// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// helpers.go - Shared helpers for the klusterchat commands.

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/storage"
	"github.com/jeranaias/klusterchat/internal/util"
)

// shutdownGrace bounds how long active requests get to stop on exit.
const shutdownGrace = 5 * time.Second

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatTimeAgo formats t relative to now for display.
func formatTimeAgo(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute") + " ago"
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour") + " ago"
	case d < 7*24*time.Hour:
		return plural(int(d.Hours()/24), "day") + " ago"
	}
	return t.Local().Format("2006-01-02")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// resolveSession finds a session by ID, by a unique ID prefix of at least
// four characters, or by its 1-based position in the newest-first list.
func resolveSession(ctx context.Context, sessions *storage.Sessions, ref string) (model.SessionMetadata, error) {
	ref = strings.TrimSpace(ref)
	if idx, err := strconv.Atoi(ref); err == nil && len(ref) < 4 {
		list, err := sessions.List(ctx)
		if err != nil {
			return model.SessionMetadata{}, err
		}
		if idx < 1 || idx > len(list) {
			return model.SessionMetadata{}, fmt.Errorf("session #%d: %w", idx, storage.ErrSessionNotFound)
		}
		return list[idx-1], nil
	}

	meta, err := sessions.Get(ctx, ref)
	if err == nil || len(ref) < 4 || !errors.Is(err, storage.ErrSessionNotFound) {
		return meta, err
	}
	list, lerr := sessions.List(ctx)
	if lerr != nil {
		return model.SessionMetadata{}, lerr
	}
	var found []model.SessionMetadata
	for _, m := range list {
		if strings.HasPrefix(m.ID, ref) {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return model.SessionMetadata{}, err
	case 1:
		return found[0], nil
	}
	return model.SessionMetadata{}, fmt.Errorf("session prefix %q is ambiguous (%d matches)", ref, len(found))
}

// shortID is the display form of a session ID.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// confirm asks a yes/no question on in. Anything but y/yes is no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	ok, err := ParseBoolString(line)
	return err == nil && ok
}

// sessionTable renders sessions as an aligned table. Widths are measured in
// terminal cells so CJK titles line up.
func sessionTable(w io.Writer, metas []model.SessionMetadata, now time.Time) {
	const (
		numW   = 4
		idW    = 8
		titleW = 34
		modelW = 22
	)
	header := util.PadRight("#", numW) + " " +
		util.PadRight("ID", idW) + " " +
		util.PadRight("Title", titleW) + " " +
		util.PadRight("Model", modelW) + " Updated"
	fmt.Fprintln(w, DimStyle.Render(header))
	fmt.Fprintln(w, RenderSeparator(numW+idW+titleW+modelW+14))

	for i, m := range metas {
		modelName := m.ModelName
		if info, ok := model.LookupModel(m.ModelName); ok {
			modelName = info.Name
		}
		fmt.Fprintf(w, "%s %s %s %s %s\n",
			util.PadRight(strconv.Itoa(i+1), numW),
			util.PadRight(shortID(m.ID), idW),
			util.PadRight(util.TruncateWidth(util.CollapseSpace(m.Title), titleW), titleW),
			util.PadRight(util.TruncateWidth(modelName, modelW), modelW),
			formatTimeAgo(m.LastModified, now),
		)
	}
}

// messageNumber parses a 1-based message number.
func messageNumber(s string, count int) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil || n < 1 || n > count {
		return 0, fmt.Errorf("no message %q (1-%d)", s, count)
	}
	return n - 1, nil
}
