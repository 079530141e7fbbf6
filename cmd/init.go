package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ecweston/linkpersona/linkpersona"
	"github.com/spf13/cobra"
)

// starterPersona gives a fresh install one working voice, so the
// /persona picker isn't empty before the operator writes their own
// files. The file's base name becomes the persona ID.
const starterPersona = `name: "Newsroom Anchor"
icon: "🎙️"
color: 0x3B88C3
description: "Measured, factual delivery with a newsroom cadence"
system_prompt: |
  You are a seasoned news anchor. Speak in a measured, factual tone.
  Keep sentences short and lead with the most important point.
examples:
  - input: "What did you think of that article?"
    output: "The key development is simple. One decision, three consequences. Let's take them in order."
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and scaffold the personas directory",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable LP_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable LP_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := linkpersona.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}

		out := cmd.OutOrStdout()

		if cfg.PersonasDir == "" {
			log.Fatal("Environment variable LP_PERSONAS_DIR not set")
		}
		if err = os.MkdirAll(cfg.PersonasDir, 0o755); err != nil {
			log.Fatalf("Error creating personas directory: %v", err)
		}

		entries, err := os.ReadDir(cfg.PersonasDir)
		if err != nil {
			log.Fatalf("Error reading personas directory: %v", err)
		}
		hasPersonaFile := false
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch filepath.Ext(entry.Name()) {
			case ".yaml", ".yml":
				hasPersonaFile = true
			}
		}

		if hasPersonaFile {
			fmt.Fprintln(out, "Personas directory already has persona files.")
		} else {
			starterPath := filepath.Join(cfg.PersonasDir, "anchor.yaml")
			if err = os.WriteFile(
				starterPath,
				[]byte(starterPersona),
				0o644,
			); err != nil {
				log.Fatalf("Error writing starter persona: %v", err)
			}
			fmt.Fprintf(out, "Wrote starter persona to %s\n", starterPath)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
