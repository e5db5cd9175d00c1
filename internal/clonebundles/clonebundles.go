// Package clonebundles implements the clone-bundles fast path: a server
// advertises pre-generated bundle files over HTTP, and a cloning client
// seeds its store from one before running normal discovery and pull for
// the remainder.
package clonebundles

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"emperror.dev/errors"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/facebook/sapling-sub002/internal/bundle2"
	"github.com/facebook/sapling-sub002/internal/config"
)

// Manifest attribute names. Attributes are advisory; unknown ones are
// carried but ignored.
const (
	AttrBundleSpec = "BUNDLESPEC"
	AttrRequireSNI = "REQUIRESNI"
)

// Entry is one advertised bundle: a URL plus uppercase key=value
// attributes.
type Entry struct {
	URL   string
	Attrs map[string]string
}

// Spec parses the entry's BUNDLESPEC attribute.
func (e Entry) Spec() (*bundle2.BundleSpec, error) {
	raw, ok := e.Attrs[AttrBundleSpec]
	if !ok {
		return nil, errors.Sentinel("entry has no BUNDLESPEC")
	}
	return bundle2.ParseBundleSpec(raw)
}

// ParseManifest reads a clone-bundles manifest: one entry per line,
// URL first, then whitespace separated attributes. Blank lines and
// lines starting with '#' are skipped.
func ParseManifest(r io.Reader) ([]Entry, error) {
	var out []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		e := Entry{URL: fields[0], Attrs: map[string]string{}}
		for _, f := range fields[1:] {
			k, v, ok := strings.Cut(f, "=")
			if !ok {
				return nil, errors.Errorf("malformed manifest attribute %q", f)
			}
			e.Attrs[k] = v
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read clone bundles manifest")
	}
	return out, nil
}

// RejectReason says why Filter dropped an entry.
type RejectReason int

const (
	// RejectBadSpec: the BUNDLESPEC is missing, malformed, or names a
	// format this client cannot read.
	RejectBadSpec RejectReason = iota
	// RejectRequiresSNI: the entry demands TLS SNI support the client
	// was told not to assume.
	RejectRequiresSNI
	// RejectScheme: the URL scheme is not fetchable.
	RejectScheme
)

func (r RejectReason) String() string {
	switch r {
	case RejectBadSpec:
		return "unsupported bundle spec"
	case RejectRequiresSNI:
		return "requires SNI"
	case RejectScheme:
		return "unsupported URL scheme"
	}
	return "rejected"
}

// Rejected pairs a dropped entry with its reason, for reporting.
type Rejected struct {
	Entry  Entry
	Reason RejectReason
}

// Filter drops entries this client cannot use.
func Filter(entries []Entry) (usable []Entry, rejected []Rejected) {
	for _, e := range entries {
		if !strings.HasPrefix(e.URL, "http://") && !strings.HasPrefix(e.URL, "https://") {
			rejected = append(rejected, Rejected{e, RejectScheme})
			continue
		}
		if strings.EqualFold(e.Attrs[AttrRequireSNI], "true") {
			rejected = append(rejected, Rejected{e, RejectRequiresSNI})
			continue
		}
		if _, err := e.Spec(); err != nil {
			rejected = append(rejected, Rejected{e, RejectBadSpec})
			continue
		}
		usable = append(usable, e)
	}
	return usable, rejected
}

// Sort orders entries by the configured attribute preferences
// ("KEY=value" strings, most preferred first); entries matching an
// earlier preference sort first, ties keep manifest order.
func Sort(entries []Entry, prefers []string) {
	rank := func(e Entry) int {
		for i, pref := range prefers {
			k, v, ok := strings.Cut(pref, "=")
			if !ok {
				continue
			}
			if e.Attrs[k] == v {
				return i
			}
		}
		return len(prefers)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return rank(entries[i]) < rank(entries[j])
	})
}

// Fetch downloads the entry's bundle into dir, retrying transient
// failures with exponential backoff up to the configured attempt count.
// Returns the path of the downloaded file.
func Fetch(ctx context.Context, client *http.Client, e Entry, dir string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	log := logrus.WithField("url", e.URL)
	path := filepath.Join(dir, "clone.bundle")

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := errors.Errorf("bundle fetch returned HTTP %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		n, err := io.Copy(f, resp.Body)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		log.WithField("size", humanize.Bytes(uint64(n))).Debug("downloaded clone bundle")
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(),
		uint64(maxAttempts())-1,
	), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return "", errors.WrapIff(err, "failed to fetch clone bundle from %s", e.URL)
	}
	return path, nil
}

func maxAttempts() int {
	if n := config.Slx.CloneBundles.MaxAttempts; n > 0 {
		return n
	}
	return 1
}
