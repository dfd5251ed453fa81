package store

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore adapts the hosted document database to the Store contract.
// Document bodies round-trip through JSON so that money.Amount fields
// persist as scale-preserving strings.
type Firestore struct {
	logger *zap.Logger
	client *firestore.Client
}

// NewFirestore connects to the project's document database.
func NewFirestore(ctx context.Context, logger *zap.Logger, projectID string) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: firestore connect: %w", err)
	}
	return &Firestore{logger: logger.Named("store"), client: client}, nil
}

// Close releases the underlying client.
func (f *Firestore) Close() error { return f.client.Close() }

func toFields(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func fromFields(fields map[string]any, out any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Get reads a document into out.
func (f *Firestore) Get(ctx context.Context, path string, out any) error {
	snap, err := f.client.Doc(path).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("store: get %s: %w", path, err)
	}
	if err := fromFields(snap.Data(), out); err != nil {
		return fmt.Errorf("store: decode %s: %w", path, err)
	}
	return nil
}

// Set creates or overwrites a document.
func (f *Firestore) Set(ctx context.Context, path string, v any) error {
	fields, err := toFields(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", path, err)
	}
	if _, err := f.client.Doc(path).Set(ctx, fields); err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}
	return nil
}

// List returns every document directly under a collection.
func (f *Firestore) List(ctx context.Context, collection string) ([]Document, error) {
	iter := f.client.Collection(collection).Documents(ctx)
	defer iter.Stop()

	var out []Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: list %s: %w", collection, err)
		}
		raw, err := json.Marshal(snap.Data())
		if err != nil {
			return nil, fmt.Errorf("store: encode %s/%s: %w", collection, snap.Ref.ID, err)
		}
		out = append(out, Document{Path: collection + "/" + snap.Ref.ID, Data: raw})
	}
	return out, nil
}

// Delete removes a document.
func (f *Firestore) Delete(ctx context.Context, path string) error {
	if _, err := f.client.Doc(path).Delete(ctx); err != nil {
		return fmt.Errorf("store: delete %s: %w", path, err)
	}
	return nil
}

var _ Store = (*Firestore)(nil)
