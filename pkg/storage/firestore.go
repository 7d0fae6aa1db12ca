package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrDeviceNotFound is returned when the device document doesn't exist.
var ErrDeviceNotFound = errors.New("device not found")

// FirestoreProvider implements Database using Google Cloud Firestore.
// Snapshots are stored as JSON under devices/<id>/snapshots/<RFC3339>.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// an empty project id is detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) deviceDoc(deviceKey string) (*firestore.DocumentRef, error) {
	if deviceKey == "" {
		return nil, fmt.Errorf("device key cannot be empty")
	}
	return f.client.Collection("devices").Doc(deviceKey), nil
}

func (f *FirestoreProvider) snapshots(deviceKey string) (*firestore.CollectionRef, error) {
	doc, err := f.deviceDoc(deviceKey)
	if err != nil {
		return nil, err
	}
	return doc.Collection("snapshots"), nil
}

func snapshotDocID(ts time.Time) string {
	return ts.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// UpsertDevice stores the device's name and type. Credentials are never
// stored.
func (f *FirestoreProvider) UpsertDevice(ctx context.Context, device types.Device) error {
	doc, err := f.deviceDoc(device.Key())
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}
	_, err = doc.Set(ctx, map[string]any{
		"json":    string(jsonBytes),
		"updated": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", device.Key(), err)
	}
	return nil
}

// GetDevice returns the stored device.
func (f *FirestoreProvider) GetDevice(ctx context.Context, deviceKey string) (types.Device, error) {
	ref, err := f.deviceDoc(deviceKey)
	if err != nil {
		return types.Device{}, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Device{}, ErrDeviceNotFound
		}
		return types.Device{}, fmt.Errorf("failed to get device %s: %w", deviceKey, err)
	}
	var d types.Device
	if err := unmarshalDocJSON(ctx, doc, &d); err != nil {
		return types.Device{}, err
	}
	return d, nil
}

// UpsertSnapshot adds or replaces the snapshot taken at snap.Timestamp.
func (f *FirestoreProvider) UpsertSnapshot(ctx context.Context, deviceKey string, snap types.Snapshot) error {
	if snap.Timestamp.IsZero() {
		return fmt.Errorf("snapshot missing timestamp")
	}
	jsonBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	coll, err := f.snapshots(deviceKey)
	if err != nil {
		return err
	}
	_, err = coll.Doc(snapshotDocID(snap.Timestamp)).Set(ctx, map[string]any{
		"json":      string(jsonBytes),
		"timestamp": snap.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// GetSnapshots returns the snapshots taken in [start, end) ordered by time.
func (f *FirestoreProvider) GetSnapshots(ctx context.Context, deviceKey string, start, end time.Time) ([]types.Snapshot, error) {
	coll, err := f.snapshots(deviceKey)
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(snapshotDocID(start))).
		Where(firestore.DocumentID, "<", coll.Doc(snapshotDocID(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var snaps []types.Snapshot
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating snapshots: %w", err)
		}
		var s types.Snapshot
		if err := unmarshalDocJSON(ctx, doc, &s); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

// GetLatestSnapshotTime returns the time of the last stored snapshot or the
// zero time if there are none.
func (f *FirestoreProvider) GetLatestSnapshotTime(ctx context.Context, deviceKey string) (time.Time, error) {
	coll, err := f.snapshots(deviceKey)
	if err != nil {
		return time.Time{}, err
	}
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest snapshot doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snapshot doc id %s: %w", doc.Ref.ID, err)
	}
	return ts, nil
}

func unmarshalDocJSON(ctx context.Context, doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("path", doc.Ref.Path), slog.Any("err", err))
		return fmt.Errorf("doc %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("path", doc.Ref.Path))
		return fmt.Errorf("doc %s 'json' field is not string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("path", doc.Ref.Path), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal doc %s: %w", doc.Ref.ID, err)
	}
	return nil
}
