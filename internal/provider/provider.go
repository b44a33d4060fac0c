// Package provider defines the Candidate source contract that feeds the
// Validation Engine: external collaborators discover raw host:port pairs
// and push them through a pull iterator.
package provider

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/proxypool/proxypool/internal/domain"
	"github.com/proxypool/proxypool/utils"
)

// Provider yields Candidate values until exhausted.
type Provider interface {
	// Next returns the next candidate. ok is false once the provider is
	// exhausted; it never blocks indefinitely without honoring done.
	Next(done <-chan struct{}) (c domain.Candidate, ok bool)
}

// Static is a Provider over a fixed, in-memory list - grounded on
// candidates read from a file or CLI argument list.
type Static struct {
	candidates []domain.Candidate
	pos        int
}

// NewStatic returns a Provider that yields candidates in order, once.
func NewStatic(candidates []domain.Candidate) *Static {
	return &Static{candidates: candidates}
}

// Next implements Provider.
func (s *Static) Next(done <-chan struct{}) (domain.Candidate, bool) {
	select {
	case <-done:
		return domain.Candidate{}, false
	default:
	}
	if s.pos >= len(s.candidates) {
		return domain.Candidate{}, false
	}
	c := s.candidates[s.pos]
	s.pos++
	return c, true
}

// FromURL downloads a newline-delimited "host:port" candidate list from
// feedURL into cacheFile and returns a Static provider over its contents.
// It skips the download entirely if feedURL doesn't resolve with a HEAD
// 200, returning whatever is already in cacheFile from a prior run.
func FromURL(feedURL, cacheFile string) (*Static, error) {
	if utils.RemoteFileExists(feedURL) {
		if err := utils.DownloadToFile(feedURL, cacheFile); err != nil {
			return nil, fmt.Errorf("%w: fetching candidate feed %s: %s", domain.ErrNetwork, feedURL, err)
		}
	}

	f, err := os.Open(cacheFile)
	if err != nil {
		return nil, fmt.Errorf("%w: opening cached feed %s: %s", domain.ErrInvalidInput, cacheFile, err)
	}
	defer f.Close()

	var candidates []domain.Candidate
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, portStr, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		candidates = append(candidates, domain.Candidate{Host: host, Port: port})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading cached feed %s: %s", domain.ErrInvalidInput, cacheFile, err)
	}

	return NewStatic(candidates), nil
}

// Chan is a Provider backed by a channel, letting a long-lived external
// discovery task feed the engine continuously.
type Chan struct {
	ch <-chan domain.Candidate
}

// NewChan returns a Provider that yields whatever arrives on ch until ch
// is closed.
func NewChan(ch <-chan domain.Candidate) *Chan {
	return &Chan{ch: ch}
}

// Next implements Provider.
func (c *Chan) Next(done <-chan struct{}) (domain.Candidate, bool) {
	select {
	case <-done:
		return domain.Candidate{}, false
	case cand, ok := <-c.ch:
		return cand, ok
	}
}
