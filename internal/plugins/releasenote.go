package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/ctfever/internal/arena"
	"github.com/dshills/ctfever/internal/plugin"
)

// ReleasesFile is the releasenote config document.
const ReleasesFile = "releases.json"

// Release is one published release note.
type Release struct {
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
	Content   string `json:"content"`
}

// ReleaseLog is the releasenote document.
type ReleaseLog struct {
	Latest   int64     `json:"latest"`
	Releases []Release `json:"releases"`
}

var initialReleases = ReleaseLog{
	Latest:   1678496400,
	Releases: []Release{{Timestamp: 1678496400, Version: "2.0.0", Content: "Initial release"}},
}

// clock stamps new releases and converted archives.
var clock = time.Now

const pushReleaseSchema = `{
	"type": "object",
	"required": ["version", "content"],
	"properties": {
		"version": {"type": "string", "minLength": 1},
		"content": {"type": "string", "minLength": 1}
	}
}`

// Releasenote keeps release notes in its config store.
type Releasenote struct {
	plugin.Base
	store *arena.ConfigStore
}

// NewReleasenote creates the releasenote plugin.
func NewReleasenote(pctx *plugin.Context) (plugin.Plugin, error) {
	return &Releasenote{Base: plugin.NewBase(pctx)}, nil
}

func (r *Releasenote) Load(context.Context) plugin.LoadOutcome {
	store, err := r.Ctx.OpenConfig(ReleasesFile, initialReleases)
	if err != nil {
		return plugin.Failed(err)
	}
	r.store = store
	return plugin.Ok()
}

func (r *Releasenote) Capabilities() []plugin.Capability {
	return []plugin.Capability{
		{Name: "releases", Handler: r.releases},
		{Name: "releases_behind", Params: []string{"timestamp"}, Handler: r.releasesBehind},
		{Name: "push_release", Params: []string{"version", "content"}, Schema: pushReleaseSchema, Handler: r.pushRelease},
		{Name: "latest_release", Handler: r.latestRelease},
	}
}

// releases returns the whole log, newest first.
func (r *Releasenote) releases(context.Context, plugin.Args) (any, error) {
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	sortNewestFirst(doc.Releases)
	return doc, nil
}

// releasesBehind returns the releases newer than timestamp, newest first.
func (r *Releasenote) releasesBehind(_ context.Context, args plugin.Args) (any, error) {
	since, err := args.Int("timestamp")
	if err != nil {
		return nil, err
	}
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	behind := []Release{}
	for _, rel := range doc.Releases {
		if rel.Timestamp > int64(since) {
			behind = append(behind, rel)
		}
	}
	sortNewestFirst(behind)
	return behind, nil
}

func (r *Releasenote) pushRelease(_ context.Context, args plugin.Args) (any, error) {
	version, _ := args.String("version")
	content, _ := args.String("content")

	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	ts := clock().Unix()
	releases := append(doc.Releases, Release{Timestamp: ts, Version: version, Content: content})
	if err := r.store.Set("releases", releases); err != nil {
		return nil, err
	}
	if err := r.store.Set("latest", ts); err != nil {
		return nil, err
	}
	r.Logger().Info("release pushed", "version", version)
	return "ok", nil
}

// latestRelease returns the release the log marks latest, or nil.
func (r *Releasenote) latestRelease(context.Context, plugin.Args) (any, error) {
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	for _, rel := range doc.Releases {
		if rel.Timestamp == doc.Latest {
			return rel, nil
		}
	}
	return nil, nil
}

func (r *Releasenote) read() (ReleaseLog, error) {
	var doc ReleaseLog
	data, err := r.store.Raw()
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", arena.ErrConfigCorrupt, err)
	}
	return doc, nil
}

func sortNewestFirst(releases []Release) {
	sort.SliceStable(releases, func(i, j int) bool { return releases[i].Timestamp > releases[j].Timestamp })
}
