package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oakandowl/gamemaster/internal/campaign"
	"github.com/oakandowl/gamemaster/internal/defaults"
)

// runInit initializes a Gamemaster working directory with default
// files. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Gamemaster workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	dbPath := filepath.Join(dir, "campaign.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		if err := seedCampaign(dbPath); err != nil {
			return fmt.Errorf("seed campaign database: %w", err)
		}
		fmt.Fprintf(w, "  ✓ %s (example characters)\n", dbPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left untouched)\n", dbPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and set XAI_API_KEY, then run: gamemaster serve")
	return nil
}

// seedCampaign creates a fresh campaign database with a pair of example
// characters so the tools have something to answer about on first run.
func seedCampaign(dbPath string) error {
	store, err := campaign.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	examples := []*campaign.Character{
		{
			Name: "Oakley", Class: "fighter", Level: 3,
			HP: 28, MaxHP: 28, AC: 17,
			Abilities: map[string]int{"str": 16, "dex": 12, "con": 14, "int": 10, "wis": 11, "cha": 9},
		},
		{
			Name: "Nyx", Class: "wizard", Level: 3,
			HP: 17, MaxHP: 17, AC: 12,
			Abilities: map[string]int{"str": 8, "dex": 14, "con": 12, "int": 17, "wis": 13, "cha": 10},
		},
	}
	for _, c := range examples {
		if err := store.CreateCharacter(c); err != nil {
			return err
		}
	}

	if _, err := store.AddItem("Oakley", "longsword", 1, ""); err != nil {
		return err
	}
	if _, err := store.AddItem("Nyx", "spellbook", 1, "contains 6 first-level spells"); err != nil {
		return err
	}
	for level, total := range map[int]int{1: 4, 2: 2} {
		if err := store.SetSpellSlots("Nyx", level, total); err != nil {
			return err
		}
	}
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}
