package faceclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"smartattendance/internal/face"
)

// SkipDimensions is the embedding length produced in skip mode.
const SkipDimensions = 128

// Client calls the face embedding microservice. It implements face.Embedder.
type Client struct {
	BaseURL string
	HTTP    *resty.Client
	Skip    bool
}

// New creates a client with the given request timeout. With skip set, no
// network calls are made and embeddings are derived from the image bytes.
func New(baseURL string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second // face processing can take time
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

type embedResponse struct {
	Embeddings    [][]float64 `json:"embeddings"`
	FacesDetected int         `json:"faces_detected"`
}

// Embed uploads the image and returns one embedding per detected face, in
// the order the service detected them. No face is not an error.
func (c *Client) Embed(ctx context.Context, image []byte) ([]face.Encoding, error) {
	if c.Skip {
		return skipEmbeddings(image), nil
	}
	if len(image) == 0 {
		return nil, errors.New("face service: image is empty")
	}

	var out embedResponse
	resp, err := c.HTTP.R().
		SetContext(ctx).
		SetFileReader("file", "photo.jpg", bytes.NewReader(image)).
		SetResult(&out).
		Post("/embed")
	if err != nil {
		return nil, errors.Wrap(err, "face service request failed")
	}
	if resp.IsError() {
		return nil, errors.Errorf("face service error %s: %s", resp.Status(), resp.String())
	}

	encodings := make([]face.Encoding, 0, len(out.Embeddings))
	for _, e := range out.Embeddings {
		if len(e) == 0 {
			continue
		}
		encodings = append(encodings, face.Encoding(e))
	}
	return encodings, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	resp, err := c.HTTP.R().SetContext(ctx).Get("/health")
	if err != nil {
		return errors.Wrap(err, "face service unavailable")
	}
	if resp.IsError() {
		return errors.Errorf("face service unhealthy: %s", resp.Status())
	}
	return nil
}

// skipEmbeddings returns a single embedding that is a pure function of the
// image bytes, so the same photo always matches itself and different photos
// almost never match. An empty image yields no faces.
func skipEmbeddings(image []byte) []face.Encoding {
	if len(image) == 0 {
		return nil
	}
	enc := make(face.Encoding, 0, SkipDimensions)
	for block := byte(0); len(enc) < SkipDimensions; block++ {
		sum := sha256.Sum256(append(append([]byte{}, image...), block))
		for _, b := range sum {
			if len(enc) == SkipDimensions {
				break
			}
			enc = append(enc, float64(b)/255)
		}
	}
	return []face.Encoding{enc}
}
