// Package sink delivers finished images to blob storage.
package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/taskmgr818/fractal-at-home/internal/model"
)

// Image is a fully assembled render.
type Image struct {
	JobID        string
	Width        uint16
	Height       uint16
	Pixels       []byte // row-major RGB
	Range        model.Range
	Fractal      model.FractalDescriptor
	MaxIteration uint32
}

// Validate checks Pixels matches the declared size.
func (img Image) Validate() error {
	want := int(img.Width) * int(img.Height) * model.BytesPerPixel
	if len(img.Pixels) != want {
		return fmt.Errorf("image %dx%d needs %d bytes, got %d", img.Width, img.Height, want, len(img.Pixels))
	}
	return nil
}

// Sink receives finished images.
type Sink interface {
	// Deliver stores img.
	Deliver(ctx context.Context, img Image) error

	// URI returns where the image of jobID is stored.
	URI(jobID string) string

	// Close releases any resources.
	Close() error
}

// Manifest describes the artifacts written for one job.
type Manifest struct {
	JobID        string                  `json:"job_id"`
	Width        uint16                  `json:"width"`
	Height       uint16                  `json:"height"`
	Range        model.Range             `json:"range"`
	Fractal      model.FractalDescriptor `json:"fractal"`
	MaxIteration uint32                  `json:"max_iteration"`
	Files        map[string]FileInfo     `json:"files"`
	CreatedAt    time.Time               `json:"created_at"`
}

// FileInfo describes one stored artifact.
type FileInfo struct {
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
	ByteSize int64  `json:"byte_size"`
}

// BlobSink writes a PNG, the zstd-compressed raw RGB buffer and a JSON
// manifest under prefix/jobID/ in a gocloud.dev bucket.
type BlobSink struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
	encoder   *zstd.Encoder
}

// Open opens the bucket at bucketURL (file://, mem://, gs://, s3://).
// Local directories are created when missing.
func Open(ctx context.Context, bucketURL, prefix string) (*BlobSink, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parse sink url %q: %w", bucketURL, err)
	}
	if u.Scheme == "file" {
		if err := os.MkdirAll(u.Path, 0755); err != nil {
			return nil, fmt.Errorf("create sink dir %s: %w", u.Path, err)
		}
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBlobSink(bucket, bucketURL, prefix)
}

// NewBlobSink wraps an already open bucket.
func NewBlobSink(bucket *blob.Bucket, bucketURL, prefix string) (*BlobSink, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		bucket.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &BlobSink{
		bucket:    bucket,
		bucketURL: bucketURL,
		prefix:    prefix,
		encoder:   enc,
	}, nil
}

// PNGKey returns the key of the job's PNG.
func (s *BlobSink) PNGKey(jobID string) string {
	return s.prefix + jobID + "/image.png"
}

// RawKey returns the key of the job's compressed RGB buffer.
func (s *BlobSink) RawKey(jobID string) string {
	return s.prefix + jobID + "/image.rgb.zst"
}

// ManifestKey returns the key of the job's manifest.
func (s *BlobSink) ManifestKey(jobID string) string {
	return s.prefix + jobID + "/_manifest.json"
}

// URI returns the canonical location of the job's PNG.
func (s *BlobSink) URI(jobID string) string {
	base := s.bucketURL
	if u, err := url.Parse(base); err == nil {
		u.RawQuery = ""
		base = u.String()
	}
	return base + "/" + s.PNGKey(jobID)
}

// Deliver encodes img and writes every artifact. The manifest is written
// last so its presence marks a complete delivery.
func (s *BlobSink) Deliver(ctx context.Context, img Image) error {
	if err := img.Validate(); err != nil {
		return err
	}

	pngBytes, err := EncodePNG(img)
	if err != nil {
		return err
	}
	raw := s.encoder.EncodeAll(img.Pixels, nil)

	manifest := Manifest{
		JobID:        img.JobID,
		Width:        img.Width,
		Height:       img.Height,
		Range:        img.Range,
		Fractal:      img.Fractal,
		MaxIteration: img.MaxIteration,
		Files:        make(map[string]FileInfo, 2),
		CreatedAt:    time.Now().UTC(),
	}
	for name, f := range map[string]struct {
		key  string
		data []byte
		ct   string
	}{
		"png": {s.PNGKey(img.JobID), pngBytes, "image/png"},
		"raw": {s.RawKey(img.JobID), raw, "application/zstd"},
	} {
		if err := s.write(ctx, f.key, f.data, f.ct); err != nil {
			return err
		}
		manifest.Files[name] = FileInfo{Key: f.key, Checksum: Checksum(f.data), ByteSize: int64(len(f.data))}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.write(ctx, s.ManifestKey(img.JobID), data, "application/json")
}

func (s *BlobSink) write(ctx context.Context, key string, data []byte, contentType string) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// ReadManifest loads the manifest of jobID.
func (s *BlobSink) ReadManifest(ctx context.Context, jobID string) (*Manifest, error) {
	data, err := s.bucket.ReadAll(ctx, s.ManifestKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", jobID, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", jobID, err)
	}
	return &m, nil
}

// ReadPixels loads and decompresses the raw RGB buffer of jobID.
func (s *BlobSink) ReadPixels(ctx context.Context, jobID string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.RawKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("read pixels %s: %w", jobID, err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	pixels, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", jobID, err)
	}
	return pixels, nil
}

// Close releases the encoder and the bucket.
func (s *BlobSink) Close() error {
	s.encoder.Close()
	return s.bucket.Close()
}

// EncodePNG renders img as an opaque PNG.
func EncodePNG(img Image) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	w, h := int(img.Width), int(img.Height)
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * model.BytesPerPixel
			rgba.SetRGBA(x, y, color.RGBA{R: img.Pixels[i], G: img.Pixels[i+1], B: img.Pixels[i+2], A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Checksum computes a SHA256 checksum for the given data.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}
