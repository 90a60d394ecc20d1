package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSStore keeps files in a MongoDB GridFS bucket, addressed by filename.
type GridFSStore struct {
	client *mongo.Client
	bucket *gridfs.Bucket
}

// NewGridFSStore connects to uri and opens bucket in database.
func NewGridFSStore(ctx context.Context, uri, database, bucket string) (*GridFSStore, error) {
	if uri == "" {
		return nil, errors.New("upload: gridfs backend requires upload.mongo_uri")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("upload: connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("upload: ping mongodb: %w", err)
	}
	b, err := gridfs.NewBucket(client.Database(database), options.GridFSBucket().SetName(bucket))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("upload: open bucket %s: %w", bucket, err)
	}
	return &GridFSStore{client: client, bucket: b}, nil
}

func (s *GridFSStore) Save(_ context.Context, name string, r io.Reader, meta Meta) (int64, error) {
	md := bson.M{
		"original_name": meta.OriginalName,
		"kind":          meta.Kind,
		"uploaded_by":   meta.UploaderID,
		"uploaded_at":   meta.UploadedAt,
	}
	stream, err := s.bucket.OpenUploadStream(name, options.GridFSUpload().SetMetadata(md))
	if err != nil {
		return 0, fmt.Errorf("upload: open stream %s: %w", name, err)
	}
	n, err := io.Copy(stream, r)
	if err != nil {
		_ = stream.Abort()
		return 0, fmt.Errorf("upload: write %s: %w", name, err)
	}
	if err := stream.Close(); err != nil {
		return 0, fmt.Errorf("upload: finish %s: %w", name, err)
	}
	return n, nil
}

func (s *GridFSStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	stream, err := s.bucket.OpenDownloadStreamByName(name)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("upload: open %s: %w", name, err)
	}
	return stream, nil
}

func (s *GridFSStore) Delete(ctx context.Context, name string) error {
	cur, err := s.bucket.Find(bson.M{"filename": name})
	if err != nil {
		return fmt.Errorf("upload: find %s: %w", name, err)
	}
	defer cur.Close(ctx)

	found := false
	for cur.Next(ctx) {
		var f struct {
			ID interface{} `bson:"_id"`
		}
		if err := cur.Decode(&f); err != nil {
			return fmt.Errorf("upload: decode %s: %w", name, err)
		}
		if err := s.bucket.Delete(f.ID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return fmt.Errorf("upload: delete %s: %w", name, err)
		}
		found = true
	}
	if err := cur.Err(); err != nil {
		return err
	}
	if !found {
		return ErrNotExist
	}
	return nil
}

func (s *GridFSStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
