package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/model"
)

var (
	runFile  string
	runDocID string
	runOwner string
	runMime  string
	runWait  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyze a single document",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		doc, err := documentFromFlags()
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Scheduler.Start(ctx); err != nil {
			return err
		}

		recordID, err := env.Scheduler.Submit(ctx, doc)
		if err != nil {
			return eris.Wrap(err, "submit document")
		}
		zap.L().Info("analysis submitted",
			zap.String("record_id", recordID),
			zap.String("document_id", doc.ID),
		)

		if !runWait {
			return printJSON(map[string]string{"record_id": recordID})
		}

		for {
			status, err := env.Scheduler.Poll(ctx, recordID)
			if err != nil {
				return err
			}
			if status.State.Terminal() {
				return printJSON(status)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
	},
}

// documentFromFlags builds the Document for a local file submission. The
// media type comes from --mime or the file extension.
func documentFromFlags() (model.Document, error) {
	var doc model.Document

	if runFile == "" {
		return doc, eris.New("--file is required")
	}
	abs, err := filepath.Abs(runFile)
	if err != nil {
		return doc, eris.Wrap(err, "resolve document path")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return doc, eris.Wrap(err, "stat document")
	}

	mimeType := runMime
	if mimeType == "" {
		switch filepath.Ext(abs) {
		case ".pdf":
			mimeType = model.MimePDF
		case ".md":
			mimeType = model.MimeMarkdown
		default:
			mimeType = model.MimePlainText
		}
	}

	docID := runDocID
	if docID == "" {
		docID = filepath.Base(abs)
	}

	return model.Document{
		ID:         docID,
		ContentRef: abs,
		MimeType:   mimeType,
		OwnerRef:   runOwner,
		Size:       info.Size(),
		Name:       filepath.Base(abs),
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runCmd.Flags().StringVar(&runFile, "file", "", "path to the document (pdf, txt, md)")
	runCmd.Flags().StringVar(&runDocID, "doc-id", "", "document id (default: file name)")
	runCmd.Flags().StringVar(&runOwner, "owner", "", "owning tender or vendor reference")
	runCmd.Flags().StringVar(&runMime, "mime", "", "media type override")
	runCmd.Flags().BoolVar(&runWait, "wait", true, "wait for the analysis to finish")
	rootCmd.AddCommand(runCmd)
}
