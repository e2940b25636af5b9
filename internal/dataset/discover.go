package dataset

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns paths to shard TAR files beneath root, sorted.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverFiles scans every root and returns one deduplicated, sorted file list.
func DiscoverFiles(roots ...string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, root := range roots {
		if root == "" {
			continue
		}
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		for _, s := range shards {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			files = append(files, s)
		}
	}
	sort.Strings(files)
	return files, nil
}
