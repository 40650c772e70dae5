package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/store"
)

var (
	recordsState string
	recordsDoc   string
	recordsLimit int
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List analysis records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		records, err := st.ListRecords(ctx, store.RecordFilter{
			State:      model.JobState(recordsState),
			DocumentID: recordsDoc,
			Limit:      recordsLimit,
		})
		if err != nil {
			return err
		}

		type row struct {
			RecordID   string                `json:"record_id"`
			DocumentID string                `json:"document_id"`
			State      model.JobState        `json:"state"`
			Version    int                   `json:"version"`
			Stages     int                   `json:"stage_attempts"`
			Error      string                `json:"error,omitempty"`
			Score      *model.CompositeScore `json:"score,omitempty"`
		}
		rows := make([]row, 0, len(records))
		for _, rec := range records {
			rows = append(rows, row{
				RecordID:   rec.ID,
				DocumentID: rec.Document.ID,
				State:      rec.State,
				Version:    rec.Version,
				Stages:     len(rec.Stages),
				Error:      rec.Error,
				Score:      rec.Score,
			})
		}
		return printJSON(rows)
	},
}

var recordShowCmd = &cobra.Command{
	Use:   "show <record-id>",
	Short: "Show one analysis record with full stage history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		rec, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

func init() {
	recordsCmd.Flags().StringVar(&recordsState, "state", "", "filter by state")
	recordsCmd.Flags().StringVar(&recordsDoc, "doc-id", "", "filter by document id")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 20, "maximum records to list")
	recordsCmd.AddCommand(recordShowCmd)
	rootCmd.AddCommand(recordsCmd)
}
