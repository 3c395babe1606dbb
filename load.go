package gtfs

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/Samcfuchs/mta-viz/downloader"
	"github.com/Samcfuchs/mta-viz/parse"
	"github.com/Samcfuchs/mta-viz/storage"
)

const (
	DefaultStaticTimeout = 60 * time.Second
	DefaultStaticMaxSize = 800 << 20 // 800 MB
)

var ErrNoFeed = errors.New("no static feed in storage")

// Downloads a static GTFS archive and parses it into storage.
//
// Feeds are keyed by the sha256 of the archive. If the same data is
// already in storage nothing is parsed, but a metadata record for
// this URL is added if missing.
func ImportStatic(
	ctx context.Context,
	s storage.Storage,
	d downloader.Downloader,
	url string,
	headers map[string]string,
) (*storage.FeedMetadata, error) {

	body, err := d.Get(ctx, url, headers, downloader.GetOptions{
		Timeout: DefaultStaticTimeout,
		MaxSize: DefaultStaticMaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading feed at %s: %w", url, err)
	}

	return ImportStaticData(s, url, body)
}

// As ImportStatic, for an archive already in memory.
func ImportStaticData(s storage.Storage, url string, body []byte) (*storage.FeedMetadata, error) {
	hash := fmt.Sprintf("%x", sha256.Sum256(body))

	feeds, err := s.ListFeeds(storage.ListFeedsFilter{SHA256: hash})
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}

	if len(feeds) > 0 {
		for _, feed := range feeds {
			if feed.URL == url {
				return feed, nil
			}
		}

		// It's in storage, but for a different URL.
		metadata := *feeds[0]
		metadata.URL = url
		metadata.RetrievedAt = time.Now().UTC()
		err = s.WriteFeedMetadata(&metadata)
		if err != nil {
			return nil, fmt.Errorf("writing metadata: %w", err)
		}
		return &metadata, nil
	}

	writer, err := s.GetWriter(hash)
	if err != nil {
		return nil, fmt.Errorf("getting writer: %w", err)
	}

	metadata, err := parse.ParseStatic(writer, body)
	if err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}

	metadata.SHA256 = hash
	metadata.URL = url
	metadata.RetrievedAt = time.Now().UTC()

	err = s.WriteFeedMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	return metadata, nil
}

// Loads the most recently retrieved static feed. Returns ErrNoFeed
// if storage is empty.
func LoadStatic(s storage.Storage) (*Static, error) {
	feeds, err := s.ListFeeds(storage.ListFeedsFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	if len(feeds) == 0 {
		return nil, ErrNoFeed
	}

	reader, err := s.GetReader(feeds[0].SHA256)
	if err != nil {
		return nil, fmt.Errorf("getting reader: %w", err)
	}

	static, err := NewStatic(reader, feeds[0])
	if err != nil {
		return nil, fmt.Errorf("creating static: %w", err)
	}

	return static, nil
}
