// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// models_cmd.go - Lists the selectable models.
//
// Command: models
//
// The configured default is marked with *. Any model ID the service
// accepts can be used with --model, listed or not.

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/util"
)

// ModelEntry is one model in the --json output.
type ModelEntry struct {
	model.ModelInfo
	Default bool `json:"default"`
}

// HandleModels runs the models command.
func HandleModels(ctx context.Context, args Args, streams IO) error {
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	current, _ := model.LookupModel(cfg.Chat.Model)

	entries := make([]ModelEntry, 0, len(model.Catalog)+1)
	found := false
	for _, m := range model.Catalog {
		isDefault := m.ID == current.ID
		found = found || isDefault
		entries = append(entries, ModelEntry{ModelInfo: m, Default: isDefault})
	}
	if !found {
		entries = append(entries, ModelEntry{ModelInfo: current, Default: true})
	}

	if args.JSON {
		return writeJSON(streams.Out, map[string]any{"models": entries, "default": current.ID})
	}

	out := streams.Out
	fmt.Fprintln(out, TitleStyle.Render("Models"))
	for _, e := range entries {
		mark := " "
		if e.Default {
			mark = "*"
		}
		tag := ""
		if e.Reasoning {
			tag = DimStyle.Render("reasoning")
		}
		fmt.Fprintf(out, "%s %s %s %s\n", mark, util.PadRight(e.Name, 20), util.PadRight(e.ID, 36), tag)
	}
	if !args.Quiet {
		fmt.Fprintf(out, "\n%s\n", DimStyle.Render("Change the default with: klusterchat config set chat.model <id>"))
	}
	return nil
}
