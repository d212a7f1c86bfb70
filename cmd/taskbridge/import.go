package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/plan"
	"github.com/google/uuid"
)

// planDocument is the on-disk import format: a plan header plus its
// task list, the same task shape the HTTP API accepts.
type planDocument struct {
	ID         string      `json:"id"`
	Outcome    string      `json:"outcome"`
	DocContext string      `json:"doc_context"`
	Tasks      []plan.Task `json:"tasks"`
}

func runImportCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("taskbridge import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	planID := fs.String("id", "", "override the plan id from the document")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskbridge import [--id plan-id] <file.json>")
		return 2
	}
	path := fs.Args()[0]

	doc, err := readPlanDocument(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read plan: %v\n", err)
		return 1
	}
	if *planID != "" {
		doc.ID = *planID
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	// Hand-written documents usually omit source; these are user tasks.
	for i := range doc.Tasks {
		if doc.Tasks[i].Source == "" {
			doc.Tasks[i].Source = plan.SourceUserExtracted
		}
	}

	// Reject malformed or cyclic graphs before touching the store.
	if _, err := plan.NewGraph(doc.ID, doc.Tasks); err != nil {
		fmt.Fprintf(os.Stderr, "plan invalid: %v\n", err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath, bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.SavePlan(ctx, doc.ID, doc.Outcome, doc.DocContext, doc.Tasks); err != nil {
		if errors.Is(err, persistence.ErrPlanExists) {
			fmt.Fprintf(os.Stderr, "plan %q already exists; pass --id to import under a new id\n", doc.ID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "save plan: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stdout, "imported plan %q (%d tasks)\n", doc.ID, len(doc.Tasks))
	return 0
}

func readPlanDocument(path string) (*planDocument, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" && ext != "" {
		return nil, fmt.Errorf("unsupported plan format %q (want .json)", ext)
	}
	var doc planDocument
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if len(doc.Tasks) == 0 {
		return nil, errors.New("plan document has no tasks")
	}
	return &doc, nil
}
