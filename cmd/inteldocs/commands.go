package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/inteldocs/internal/documents"
	"github.com/dharsanguruparan/inteldocs/internal/model"
	"github.com/dharsanguruparan/inteldocs/internal/processing"
)

func (c *cli) newIngestCmd() *cobra.Command {
	var (
		converter    string
		summaryModel string
		owner        string
	)
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Upload files and schedule them for processing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			return ingestFiles(cmd, svc, args, model.Converter(converter), summaryModel, owner)
		},
	}
	cmd.Flags().StringVar(&converter, "converter", "", "Converter to extract text with (docling, markitdown, marker)")
	cmd.Flags().StringVar(&summaryModel, "model", "", "Model used for the summary stage")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner recorded on the document")
	return cmd
}

func ingestFiles(cmd *cobra.Command, svc *documents.Service, paths []string, conv model.Converter, summaryModel, owner string) error {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		doc, err := svc.Ingest(cmd.Context(), documents.Upload{
			FileName:     filepath.Base(path),
			ContentType:  mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
			Size:         info.Size(),
			Body:         f,
			Converter:    conv,
			SummaryModel: summaryModel,
			OwnerID:      owner,
		})
		f.Close()
		if doc == nil && err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", doc.ID, doc.FileName, doc.TaskID)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
	}
	return nil
}

func (c *cli) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List documents ordered by pipeline progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			docs, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tFAILED\tCHUNKS\tCONVERTER\tTITLE")
			for _, d := range docs {
				fmt.Fprintf(w, "%d\t%s\t%t\t%d\t%s\t%s\n", d.ID, d.Status.Label(), d.IsFailed, d.NoOfChunks, d.Converter, d.DisplayTitle())
			}
			return w.Flush()
		},
	}
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show a document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := svc.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), doc)
		},
	}
}

func (c *cli) newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history ID",
		Short: "Show when a document reached each status, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := svc.History(cmd.Context(), id)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tREACHED AT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\n", e.Status.Label(), e.ReachedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

// docAction builds a command that applies fn to one document and prints the
// resulting task id.
func (c *cli) docAction(use, short string, fn func(cmd *cobra.Command, svc *documents.Service, id int64) (*model.Document, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := fn(cmd, svc, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "document %d scheduled from %s as task %s\n", doc.ID, doc.Status.Label(), doc.TaskID)
			return nil
		},
	}
}

func (c *cli) newRetryCmd() *cobra.Command {
	return c.docAction("retry ID", "Resume the pipeline from the document's recorded status",
		func(cmd *cobra.Command, svc *documents.Service, id int64) (*model.Document, error) {
			return svc.Retry(cmd.Context(), id)
		})
}

func (c *cli) newReextractCmd() *cobra.Command {
	var converter string
	cmd := c.docAction("reextract ID", "Drop chunks and replay the whole pipeline",
		func(cmd *cobra.Command, svc *documents.Service, id int64) (*model.Document, error) {
			return svc.Reextract(cmd.Context(), id, model.Converter(converter))
		})
	cmd.Flags().StringVar(&converter, "converter", "", "Switch to another converter before replaying")
	return cmd
}

func (c *cli) newEditCmd() *cobra.Command {
	var file string
	cmd := c.docAction("edit ID", "Replace the extracted text and replay embedding and summarization",
		func(cmd *cobra.Command, svc *documents.Service, id int64) (*model.Document, error) {
			var (
				data []byte
				err  error
			)
			if file == "" || file == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return nil, fmt.Errorf("read content: %w", err)
			}
			return svc.UpdateContent(cmd.Context(), id, string(data))
		})
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Markdown file with the new content, - for stdin")
	return cmd
}

func (c *cli) newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke ID",
		Short: "Cancel the document's queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			return svc.Revoke(cmd.Context(), id)
		},
	}
}

func (c *cli) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a document with its chunks and stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			return svc.Delete(cmd.Context(), id)
		},
	}
}

func (c *cli) newDeleteAllCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every document and every stored chunk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to delete everything without --yes")
			}
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			n, err := svc.DeleteAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d documents\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func (c *cli) newChunksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chunks ID",
		Short: "Print the stored chunks of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := svc.Chunks(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entries)
		},
	}
}

func (c *cli) newMarkdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "markdown ID",
		Short: "Rebuild the document text from its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			md, err := svc.Markdown(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), md)
			return err
		},
	}
}

func (c *cli) newSearchCmd() *cobra.Command {
	var (
		k     int
		title string
		year  int
		tags  []string
	)
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Find the chunks closest to a query, grouped by document",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			q := documents.SearchQuery{Text: strings.Join(args, " "), K: k, Title: title, Tags: tags}
			if cmd.Flags().Changed("year") {
				q.Year = &year
			}
			results, err := svc.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range results {
				fmt.Fprintf(out, "[%d] %s\n", r.Document.ID, r.Document.DisplayTitle())
				for _, m := range r.Matches {
					fmt.Fprintf(out, "  %.3f  chunk %d: %s\n", m.Score, m.Index, snippet(m.Content, 120))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 5, "Number of chunks to return")
	cmd.Flags().StringVar(&title, "title", "", "Only documents whose title contains this text")
	cmd.Flags().IntVar(&year, "year", 0, "Only documents from this year")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Only documents carrying any of these tags")
	return cmd
}

func (c *cli) newTagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Manage the classification vocabulary",
	}
	var file string
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Upsert the vocabulary from a YAML file or the built-in list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			if file != "" {
				c.app.Config.TagsFile = file
			}
			tags, err := c.app.VocabularyFromConfig()
			if err != nil {
				return err
			}
			return svc.SeedTags(cmd.Context(), tags)
		},
	}
	seed.Flags().StringVarP(&file, "file", "f", "", "YAML vocabulary file")
	list := &cobra.Command{
		Use:   "list",
		Short: "List the vocabulary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			tags, err := svc.ListTags(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, t := range tags {
				fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(seed, list)
	return cmd
}

func (c *cli) newRunLocalCmd() *cobra.Command {
	var (
		workers   int
		resume    bool
		converter string
	)
	cmd := &cobra.Command{
		Use:   "run-local [FILE...]",
		Short: "Process documents in this process without Redis",
		Long: `run-local ingests the given files and runs the pipeline on an in-process worker
pool until the queue drains. With --resume every unfinished document is picked up too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.setup(ctx)
			if err != nil {
				return err
			}
			if err := a.SeedTags(ctx); err != nil {
				return err
			}
			if workers <= 0 {
				workers = a.Config.WorkerConcurrency
			}
			proc := processing.New(a.Pipeline, workers, c.log)
			proc.Start(ctx)
			defer proc.Stop()

			svc, err := c.localService(ctx, proc)
			if err != nil {
				return err
			}
			if resume {
				docs, err := svc.List(ctx)
				if err != nil {
					return err
				}
				for _, d := range docs {
					if d.Status == model.StatusCompleted {
						continue
					}
					if _, err := svc.Retry(ctx, d.ID); err != nil {
						return err
					}
				}
			}
			return ingestFiles(cmd, svc, args, model.Converter(converter), "", "")
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker goroutines, defaults to WORKER_CONCURRENCY")
	cmd.Flags().BoolVar(&resume, "resume", false, "Also resume every unfinished document")
	cmd.Flags().StringVar(&converter, "converter", "", "Converter for newly ingested files")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
