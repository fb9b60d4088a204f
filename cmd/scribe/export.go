package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/scribe/internal/epub"
)

var exportFlags struct {
	from     string
	out      string
	author   string
	language string
}

type exportResult struct {
	JobID    string `json:"job_id" yaml:"job_id"`
	Path     string `json:"path" yaml:"path"`
	Chapters int    `json:"chapters" yaml:"chapters"`
}

var exportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Package a finished manuscript as an EPUB",
	Long: `Export reads the markdown manuscript saved when a job completed
(~/.scribe/manuscripts/<job-id>.md, or --from) and writes an EPUB 3 book
next to it, or to --out.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		_, h, err := loadConfig()
		if err != nil {
			return err
		}
		src := exportFlags.from
		if src == "" {
			src = h.ManuscriptPath(jobID)
		}
		raw, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read manuscript for %s: %w", jobID, err)
		}
		m, err := epub.Parse(raw)
		if err != nil {
			return err
		}
		m.ID = jobID
		m.Author = exportFlags.author
		m.Language = exportFlags.language

		out := exportFlags.out
		if out == "" {
			out = filepath.Join(h.ManuscriptsPath(), jobID+".epub")
		}
		if err := epub.NewBuilder(m).Build(out); err != nil {
			return err
		}
		logger.Info("manuscript exported", "job_id", jobID, "path", out)
		return printer.Print(exportResult{JobID: jobID, Path: out, Chapters: len(m.Chapters)})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFlags.from, "from", "", "manuscript markdown file (default: the saved manuscript)")
	exportCmd.Flags().StringVar(&exportFlags.out, "out", "", "output path (default: ~/.scribe/manuscripts/<job-id>.epub)")
	exportCmd.Flags().StringVar(&exportFlags.author, "author", "", "author name for the book metadata")
	exportCmd.Flags().StringVar(&exportFlags.language, "language", "en", "book language (ISO 639-1)")
}
