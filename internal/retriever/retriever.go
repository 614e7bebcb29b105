package retriever

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/nanopub-net/nanoreg/internal/nanopub"
	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ErrNotResolvable is returned when a publication is neither stored locally
// nor retrievable from any bootstrap service.
var ErrNotResolvable = errors.New("publication not resolvable")

// Retriever resolves publications by artifact code, preferring local storage
// and falling back to network fetch-and-store-on-read.
type Retriever struct {
	storage         *storage.Storage
	timeout         time.Duration
	mu              sync.RWMutex
	services        []string
	metricsCallback func(succeeded, failed int)
}

// NewRetriever creates a retriever over the given store and bootstrap services
func NewRetriever(store *storage.Storage, services []string, timeout time.Duration, metricsCallback func(int, int)) *Retriever {
	return &Retriever{
		storage:         store,
		timeout:         timeout,
		services:        services,
		metricsCallback: metricsCallback,
	}
}

// SetServices replaces the upstream service list (the setting publication may
// name additional bootstrap services).
func (r *Retriever) SetServices(services []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(services) > 0 {
		r.services = services
	}
}

func (r *Retriever) serviceList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.services))
	copy(out, r.services)
	return out
}

// fetch performs one bounded-timeout GET and returns the raw response body.
func (r *Retriever) fetch(url string) ([]byte, error) {
	c := colly.NewCollector(colly.MaxDepth(1))
	c.SetRequestTimeout(r.timeout)

	var body []byte
	var fetchErr error

	c.OnResponse(func(resp *colly.Response) {
		body = resp.Body
	})
	c.OnError(func(resp *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.Visit(url); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, fetchErr)
	}
	if body == nil {
		return nil, fmt.Errorf("empty response from %s", url)
	}
	return body, nil
}

// Resolve returns the publication for an artifact code or full URI. A locally
// stored copy is returned as-is and never re-fetched; otherwise the
// publication is fetched from the first bootstrap service that has it,
// ingested (store-on-read) and returned.
func (r *Retriever) Resolve(ref string) (*nanopub.Publication, error) {
	local, err := r.localLookup(ref)
	if err != nil {
		return nil, err
	}
	if local != nil {
		return nanopub.Parse(local.Raw)
	}

	for _, service := range r.serviceList() {
		url := refURL(service, ref)
		body, err := r.fetch(url)
		if err != nil {
			logrus.Warnf("Fetch from %s failed: %v", service, err)
			if r.metricsCallback != nil {
				r.metricsCallback(0, 1)
			}
			continue
		}

		pub, err := nanopub.Parse(body)
		if err != nil {
			logrus.Warnf("Unparseable publication from %s: %v", service, err)
			if r.metricsCallback != nil {
				r.metricsCallback(0, 1)
			}
			continue
		}

		// The artifact code is a pure function of content; a mismatch means
		// the service served the wrong or a tampered document
		if strings.HasPrefix(ref, "RA") && pub.ArtifactCode() != ref {
			logrus.Warnf("Artifact code mismatch from %s: wanted %s got %s", service, ref, pub.ArtifactCode())
			if r.metricsCallback != nil {
				r.metricsCallback(0, 1)
			}
			continue
		}

		status, err := r.storage.IngestPublication(pub)
		if err != nil && status == storage.IngestRejected {
			logrus.Warnf("Fetched publication rejected: %v", err)
			if r.metricsCallback != nil {
				r.metricsCallback(0, 1)
			}
			continue
		}

		if r.metricsCallback != nil {
			r.metricsCallback(1, 0)
		}
		return pub, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotResolvable, ref)
}

// localLookup checks storage by artifact code or canonical URI.
func (r *Retriever) localLookup(ref string) (*storage.Publication, error) {
	if strings.HasPrefix(ref, "RA") {
		return r.storage.GetPublication(ref)
	}
	return r.storage.GetPublicationByFullID(ref)
}

// refURL builds the fetch URL for a reference on a service.
func refURL(service, ref string) string {
	if strings.HasPrefix(ref, "RA") {
		return strings.TrimRight(service, "/") + "/np/" + ref
	}
	// Canonical URIs are fetched directly
	return ref
}

// FetchByTypeAndKey streams remote publication references matching a
// (type, key) filter from the upstream query services and invokes fn once per
// reference. Upstream failures are logged and treated as zero results; they
// never abort the caller.
func (r *Retriever) FetchByTypeAndKey(typeHash, pubkeyHash string, fn func(ref string)) {
	for _, service := range r.serviceList() {
		url := strings.TrimRight(service, "/") + "/list/" + pubkeyHash + "/" + typeHash
		body, err := r.fetch(url)
		if err != nil {
			logrus.Warnf("List query on %s failed: %v", service, err)
			if r.metricsCallback != nil {
				r.metricsCallback(0, 1)
			}
			continue
		}

		refs := gjson.GetBytes(body, "refs")
		if !refs.Exists() || !refs.IsArray() {
			logrus.Warnf("List query on %s returned no refs array", service)
			continue
		}

		if r.metricsCallback != nil {
			r.metricsCallback(1, 0)
		}
		refs.ForEach(func(_, value gjson.Result) bool {
			if ref := value.String(); ref != "" {
				fn(ref)
			}
			return true
		})
		return
	}
}
