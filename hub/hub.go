// Package hub downloads model weights from a Hugging Face style file host
// and keeps them in a local cache.
package hub

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/internal/logging"
)

const (
	// DefaultBaseURL is the file host NewFetcher downloads from.
	DefaultBaseURL = "https://huggingface.co"
	// DefaultRepo publishes RealESRGAN_x2, _x4 and _x8 checkpoints.
	DefaultRepo = "sberbank-ai/Real-ESRGAN"

	// EnvCacheDir overrides the cache directory, which otherwise lives
	// under os.UserCacheDir.
	EnvCacheDir = "ESRGAN_CACHE_DIR"
	// EnvBaseURL overrides DefaultBaseURL, e.g. to point at a mirror.
	EnvBaseURL = "ESRGAN_HUB_URL"
	// EnvToken holds an access token for gated or private repositories.
	EnvToken = "HF_TOKEN"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// WeightsFile is the torch.save checkpoint published in DefaultRepo for scale.
func WeightsFile(scale int) string {
	return fmt.Sprintf("RealESRGAN_x%d.pth", scale)
}

// Fetcher resolves repository files to local paths. Files are downloaded
// once; later calls are served from CacheDir. Downloads are not retried.
type Fetcher struct {
	BaseURL  string
	Repo     string
	CacheDir string
	Token    string // sent as a bearer token when set
	Client   *http.Client
}

// NewFetcher returns a Fetcher for the default repository configured from
// the environment.
func NewFetcher() (*Fetcher, error) {
	f := &Fetcher{
		BaseURL:  DefaultBaseURL,
		Repo:     DefaultRepo,
		CacheDir: os.Getenv(EnvCacheDir),
		Token:    os.Getenv(EnvToken),
		Client:   http.DefaultClient,
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		f.BaseURL = v
	}
	if f.CacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, errdefs.Resource(err, "no cache directory; set %s", EnvCacheDir)
		}
		f.CacheDir = filepath.Join(dir, "esrgan")
	}
	return f, nil
}

// URL returns the download location of file.
func (f *Fetcher) URL(file string) string {
	return strings.TrimRight(f.BaseURL, "/") + "/" + f.Repo + "/resolve/main/" + url.PathEscape(file)
}

// Path returns where file is cached, whether or not it exists yet.
func (f *Fetcher) Path(file string) string {
	return filepath.Join(f.CacheDir, strings.ReplaceAll(f.Repo, "/", "--"), file)
}

// Fetch returns the local path of file, downloading it first if needed.
// zstd-compressed payloads are decompressed on the fly.
func (f *Fetcher) Fetch(ctx context.Context, file string) (string, error) {
	dst := f.Path(file)
	if st, err := os.Stat(dst); err == nil && st.Size() > 0 {
		logging.Logger().Debug("weights cache hit", "path", dst)
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", errdefs.Resource(err, "create cache dir")
	}

	src := f.URL(file)
	logging.Logger().Info("downloading weights", "url", src, "dest", dst)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", errdefs.Resource(err, "build request for %s", src)
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errdefs.Resource(err, "download %s", src)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errdefs.Resource(nil, "download %s: %s", src, resp.Status)
	}

	body, err := decompress(resp.Body)
	if err != nil {
		return "", errdefs.Resource(err, "download %s", src)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+file+".*")
	if err != nil {
		return "", errdefs.Resource(err, "create temp file")
	}
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("empty response")
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", errdefs.Resource(err, "download %s", src)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", errdefs.Resource(err, "store %s", dst)
	}
	logging.Logger().Info("weights cached", "path", dst, "bytes", n)
	return dst, nil
}

// decompress wraps r in a zstd decoder when the stream starts with the zstd
// frame magic and passes it through otherwise.
func decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, err
	}
	if !bytes.Equal(head, zstdMagic) {
		return io.NopCloser(br), nil
	}
	dec, err := zstd.NewReader(br)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}
