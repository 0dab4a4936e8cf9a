package builtin

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/voxgate/voxgate/internal/plugins"
)

// matchScoreMin is the Jaro-Winkler score below which a requested title is
// considered not in the library.
const matchScoreMin = 0.75

func musicTool() plugins.Tool {
	return plugins.Tool{
		Name:        "play_music",
		Description: "播放本地音乐，可以指定歌名，不指定则随机播放",
		Type:        plugins.SystemCtl,
		Definition: plugins.NewDefinition(
			"play_music",
			"Play a song from the local music library. Omit song_name for a random pick.",
			map[string]any{
				"song_name": map[string]any{
					"type":        "string",
					"description": "Title of the song to play, as the user said it.",
				},
			}, nil),
		Handler: playMusic,
	}
}

func playMusic(ctx context.Context, pctx *plugins.Context, args map[string]any) (plugins.ActionResponse, error) {
	dir := musicDir(pctx)
	tracks, err := listTracks(dir)
	if err != nil {
		return plugins.ActionResponse{}, fmt.Errorf("builtin: scan music dir %q: %w", dir, err)
	}
	if len(tracks) == 0 {
		return plugins.ActionResponse{
			Action:   plugins.ActionRespond,
			Response: "音乐库是空的，没有可以播放的歌曲。",
		}, nil
	}

	name, _ := args["song_name"].(string)
	track, ok := pickTrack(tracks, name)
	if !ok {
		return plugins.ActionResponse{
			Action:   plugins.ActionRespond,
			Response: fmt.Sprintf("没有找到《%s》，要不要换一首？", name),
		}, nil
	}

	title := strings.TrimSuffix(track, filepath.Ext(track))
	return plugins.ActionResponse{
		Action:   plugins.ActionRespond,
		Response: fmt.Sprintf("正在为您播放，《%s》", title),
		File:     filepath.Join(dir, track),
	}, nil
}

func musicDir(pctx *plugins.Context) string {
	if opts := pctx.Session.Config.Plugins["play_music"]; opts != nil {
		if dir, ok := opts["music_dir"].(string); ok && dir != "" {
			return dir
		}
	}
	return "./music"
}

// listTracks returns the WAV file names in dir. A missing directory is an
// empty library, not an error.
func listTracks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tracks []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			tracks = append(tracks, e.Name())
		}
	}
	return tracks, nil
}

// pickTrack resolves a requested title against the library: exact substring
// first, then the best fuzzy match above the score floor. An empty request
// picks at random.
func pickTrack(tracks []string, name string) (string, bool) {
	if name == "" {
		return tracks[rand.IntN(len(tracks))], true
	}

	want := strings.ToLower(name)
	for _, track := range tracks {
		title := strings.ToLower(strings.TrimSuffix(track, filepath.Ext(track)))
		if strings.Contains(title, want) {
			return track, true
		}
	}

	best, bestScore := "", 0.0
	for _, track := range tracks {
		title := strings.ToLower(strings.TrimSuffix(track, filepath.Ext(track)))
		if score := matchr.JaroWinkler(want, title, true); score > bestScore {
			best, bestScore = track, score
		}
	}
	if bestScore < matchScoreMin {
		return "", false
	}
	return best, true
}
