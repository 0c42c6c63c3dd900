package scenesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/glog"
)

type AssetResolverSettings struct {
	// host used to absolutize relative references
	Host string
	// host-qualified prefix for bare store-relative paths; defaults to
	// <Host>/store
	StoreUrl string
	// local cache root; layout is <ImportRoot>/<host>/<path>
	ImportRoot string

	// extensions whose MIME class is never pre-fetched
	ExcludedExtensions []string

	// third-party hosting domains rewritten to their direct-download
	// equivalents
	HostRewrites map[string]string
}

func DefaultAssetResolverSettings() *AssetResolverSettings {
	return &AssetResolverSettings{
		ExcludedExtensions: []string{
			".mp3", ".ogg", ".wav", ".flac",
			".mp4", ".webm", ".mov", ".avi",
		},
		HostRewrites: map[string]string{
			"www.dropbox.com": "dl.dropboxusercontent.com",
			"dropbox.com":     "dl.dropboxusercontent.com",
		},
	}
}

type fetchJob struct {
	done      chan struct{}
	localPath string
	err       error
}

// AssetResolver downloads referenced assets into the local cache. A URI
// is fetched at most once per process lifetime: concurrent requests for
// the same absolute URI join the in-flight fetch.
type AssetResolver struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *AssetResolverSettings

	client *http.Client

	mutex sync.Mutex
	// absolute url -> in-flight or completed job
	jobs map[string]*fetchJob

	statFetches   int
	statCacheHits int
}

func NewAssetResolverWithDefaults(ctx context.Context, host string, importRoot string) *AssetResolver {
	settings := DefaultAssetResolverSettings()
	settings.Host = host
	settings.ImportRoot = importRoot
	return NewAssetResolver(ctx, settings)
}

func NewAssetResolver(ctx context.Context, settings *AssetResolverSettings) *AssetResolver {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AssetResolver{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		client:   defaultClient(),
		jobs:     map[string]*fetchJob{},
	}
}

// Normalize absolutizes uri against the configured host, maps bare
// store-relative paths to the host-qualified URL, and applies the
// direct-download host rewrites. The second return is false for URIs
// whose MIME class is excluded from pre-fetch.
func (self *AssetResolver) Normalize(uri string) (string, bool, error) {
	if self.excluded(uri) {
		return uri, false, nil
	}

	if strings.HasPrefix(uri, "store/") || strings.HasPrefix(uri, "/store/") {
		storeUrl := self.settings.StoreUrl
		if storeUrl == "" {
			storeUrl = self.settings.Host + "/store"
		}
		uri = storeUrl + "/" + strings.TrimPrefix(strings.TrimPrefix(uri, "/"), "store/")
	} else if !strings.Contains(uri, "://") {
		uri = self.settings.Host + "/" + strings.TrimPrefix(uri, "/")
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", false, &FetchError{Uri: uri, Cause: err}
	}
	if rewrite, ok := self.settings.HostRewrites[parsed.Host]; ok {
		parsed.Host = rewrite
	}
	return parsed.String(), true, nil
}

func (self *AssetResolver) excluded(uri string) bool {
	ext := strings.ToLower(path.Ext(uri))
	for _, excluded := range self.settings.ExcludedExtensions {
		if ext == excluded {
			return true
		}
	}
	return false
}

// Resolve fetches uri into the cache and returns the local path,
// joining any in-flight fetch for the same absolute URI. For glTF
// assets every embedded relative reference is resolved before the
// top-level asset is declared resolved.
func (self *AssetResolver) Resolve(uri string) (string, error) {
	absolute, fetch, err := self.Normalize(uri)
	if err != nil {
		return "", err
	}
	if !fetch {
		// excluded MIME class, hand back the remote url untouched
		return absolute, nil
	}

	self.mutex.Lock()
	job, ok := self.jobs[absolute]
	if !ok {
		job = &fetchJob{
			done: make(chan struct{}),
		}
		self.jobs[absolute] = job
		go self.run(absolute, job)
	}
	self.mutex.Unlock()

	select {
	case <-job.done:
	case <-self.ctx.Done():
		return "", &FetchError{Uri: absolute, Cause: self.ctx.Err()}
	}
	return job.localPath, job.err
}

// ResolveAsync resolves on a fetch goroutine and posts the result to
// callback. The caller re-enters its own loop from the callback.
func (self *AssetResolver) ResolveAsync(uri string, callback func(localPath string, err error)) {
	go func() {
		localPath, err := self.Resolve(uri)
		callback(localPath, err)
	}()
}

func (self *AssetResolver) run(absolute string, job *fetchJob) {
	defer close(job.done)

	localPath, err := self.fetch(absolute)
	if err != nil {
		job.err = err
		glog.Infof("[a]fetch error %s = %s\n", absolute, err)
		return
	}

	// a structured model asset is resolved only once its embedded
	// references are
	if strings.HasSuffix(strings.ToLower(absolute), ".gltf") {
		if err := self.resolveGltfReferences(absolute, localPath); err != nil {
			job.err = err
			return
		}
	}

	job.localPath = localPath
	glog.V(2).Infof("[a]resolved %s -> %s\n", absolute, localPath)
}

func (self *AssetResolver) cachePath(absolute string) (string, error) {
	parsed, err := url.Parse(absolute)
	if err != nil {
		return "", err
	}
	return filepath.Join(self.settings.ImportRoot, parsed.Host, filepath.FromSlash(parsed.Path)), nil
}

func (self *AssetResolver) fetch(absolute string) (string, error) {
	localPath, err := self.cachePath(absolute)
	if err != nil {
		return "", &FetchError{Uri: absolute, Cause: err}
	}

	// presence is sufficient, no content-hash invalidation
	if _, err := os.Stat(localPath); err == nil {
		self.mutex.Lock()
		self.statCacheHits += 1
		self.mutex.Unlock()
		return localPath, nil
	}

	req, err := http.NewRequestWithContext(self.ctx, "GET", absolute, nil)
	if err != nil {
		return "", &FetchError{Uri: absolute, Cause: err}
	}
	r, err := self.client.Do(req)
	if err != nil {
		return "", &FetchError{Uri: absolute, Cause: err}
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		return "", &FetchError{Uri: absolute, Cause: fmt.Errorf("status %d", r.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return "", &FetchError{Uri: absolute, Cause: err}
	}
	f, err := os.Create(localPath)
	if err != nil {
		return "", &FetchError{Uri: absolute, Cause: err}
	}
	defer f.Close()
	if _, err := io.Copy(f, r.Body); err != nil {
		os.Remove(localPath)
		return "", &FetchError{Uri: absolute, Cause: err}
	}

	self.mutex.Lock()
	self.statFetches += 1
	self.mutex.Unlock()
	return localPath, nil
}

// the slice of the glTF JSON that names external references
type gltfManifest struct {
	Buffers []struct {
		Uri string `json:"uri"`
	} `json:"buffers"`
	Images []struct {
		Uri string `json:"uri"`
	} `json:"images"`
}

// resolveGltfReferences discovers and fetches every external reference
// of a fetched glTF. A failed reference marks the whole asset
// unresolved, but the remaining siblings still fetch.
func (self *AssetResolver) resolveGltfReferences(absolute string, localPath string) error {
	manifestBytes, err := os.ReadFile(localPath)
	if err != nil {
		return &FetchError{Uri: absolute, Cause: err}
	}
	var manifest gltfManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return &FetchError{Uri: absolute, Cause: err}
	}

	refs := []string{}
	for _, buffer := range manifest.Buffers {
		refs = append(refs, buffer.Uri)
	}
	for _, image := range manifest.Images {
		refs = append(refs, image.Uri)
	}

	base := absolute[:strings.LastIndex(absolute, "/")+1]

	var firstErr error
	for _, ref := range refs {
		if ref == "" || strings.HasPrefix(ref, "data:") {
			continue
		}
		refUrl := ref
		if !strings.Contains(ref, "://") {
			refUrl = base + ref
		}
		if _, err := self.Resolve(refUrl); err != nil {
			glog.Infof("[a]sub-reference error %s = %s\n", refUrl, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stats returns (fetches, cacheHits).
func (self *AssetResolver) Stats() (int, int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.statFetches, self.statCacheHits
}

func (self *AssetResolver) Close() {
	self.cancel()
}
