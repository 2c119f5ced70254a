// Package submission implements the submission pipeline: it expands a
// user's file selection into cases via an application's send plug-in,
// packs each case's inputs into an archive, and registers it in the
// catalog as a fresh "to process" record (spec §4.E).
package submission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gridagent/agent/internal/blobstore"
	"github.com/gridagent/agent/internal/catalog"
	"github.com/gridagent/agent/internal/gridagent/apperr"
	"github.com/gridagent/agent/internal/plugin"
)

// Identity is the submitting agent's (user, machine) pair, recorded as
// origin.{user,machine} on every case this pipeline creates.
type Identity struct {
	User    string
	Machine string
}

// Pipeline drives one submission batch.
type Pipeline struct {
	identity   Identity
	userGroup  string
	instance   string
	cat        catalog.Catalog
	store      *blobstore.Store
	trampoline *plugin.Trampoline
}

func New(identity Identity, userGroup, instance string, cat catalog.Catalog, store *blobstore.Store, trampoline *plugin.Trampoline) *Pipeline {
	return &Pipeline{identity: identity, userGroup: userGroup, instance: instance, cat: cat, store: store, trampoline: trampoline}
}

// Result summarizes one submitted batch for the caller's progress dialog.
type Result struct {
	CaseIDs   []string
	Cancelled bool
}

// Submit runs the full pipeline for a single selection against app.
// cancelled is polled between cases; when it fires mid-batch, Submit
// returns cleanly with whatever cases were already committed and
// Result.Cancelled set, per spec §4.E's cancellation contract: a
// partially packed archive is discarded and no catalog record is written
// for the in-flight case.
func (p *Pipeline) Submit(ctx context.Context, app, selection string, cancelled <-chan struct{}) (*Result, error) {
	caseInputs, err := p.trampoline.Send(ctx, app, selection)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, inputs := range caseInputs {
		select {
		case <-cancelled:
			result.Cancelled = true
			return result, nil
		default:
		}

		id, err := p.submitOne(ctx, app, inputs)
		if err != nil {
			return result, err
		}
		result.CaseIDs = append(result.CaseIDs, id)
	}
	return result, nil
}

func (p *Pipeline) submitOne(ctx context.Context, app string, inputs []string) (string, error) {
	if len(inputs) == 0 {
		return "", apperr.New(apperr.ClassPluginContract, fmt.Sprintf("%s/send returned an empty case", app), nil)
	}

	scratch, err := os.MkdirTemp("", "gridagent-submit-*")
	if err != nil {
		return "", apperr.New(apperr.ClassTransientIO, "create scratch directory", err)
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, "archive.zip")
	f, err := os.Create(archivePath)
	if err != nil {
		return "", apperr.New(apperr.ClassTransientIO, "create case archive", err)
	}
	if err := blobstore.Pack(f, inputs); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", apperr.New(apperr.ClassTransientIO, "finalize case archive", err)
	}

	relPath := filepath.Join(blobstore.CasesDir(p.identity.User, p.identity.Machine), uuid.NewString())
	src, err := os.Open(archivePath)
	if err != nil {
		return "", apperr.New(apperr.ClassTransientIO, "reopen case archive", err)
	}
	defer src.Close()
	if err := p.store.Put(ctx, relPath, src); err != nil {
		return "", err
	}

	id, err := p.cat.InsertCase(ctx, &catalog.Case{
		UserGroup:   p.userGroup,
		Instance:    p.instance,
		Application: app,
		Status:      catalog.StatusToProcess,
		Path:        relPath,
		Origin: catalog.Origin{
			User:             p.identity.User,
			Machine:          p.identity.Machine,
			InputDisplayPath: inputs[0],
			SubmittedAt:      time.Now(),
		},
	})
	if err != nil {
		_ = p.store.Remove(relPath)
		return "", err
	}
	return id, nil
}
