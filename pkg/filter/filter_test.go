package filter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetflow/assetflow/pkg/apierr"
	"github.com/assetflow/assetflow/pkg/event"
)

func TestNormalizeSubtree(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"proj/space", "kref://proj/space/**"},
		{"/proj/space/", "kref://proj/space/**"},
		{"kref://proj/space", "kref://proj/space/**"},
		{"kref://proj/space/", "kref://proj/space/**"},
		{"kref://proj/*/models", "kref://proj/*/models"},
		{"kref://proj/space/**", "kref://proj/space/**"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubtree(tt.in))
		})
	}
}

func TestInSubtree(t *testing.T) {
	root := "kref://proj/space"
	assert.True(t, InSubtree("kref://proj/space", root))
	assert.True(t, InSubtree("kref://proj/space/x", root))
	assert.True(t, InSubtree("kref://proj/space/x/y", root))
	assert.True(t, InSubtree("kref://proj/space/x.model?r=2", root))
	assert.False(t, InSubtree("kref://proj/space2", root))
	assert.False(t, InSubtree("kref://proj", root))
}

func TestRoutingKeyFilter(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, ""},
		{Config{TriggerType: TriggerAny, Action: ActionAny}, ""},
		{Config{TriggerType: TriggerRevision, Action: ActionTagged}, "revision.tagged"},
		{Config{TriggerType: TriggerItem}, "item.*"},
		{Config{Action: ActionDeleted}, "*.deleted"},
		{Config{TriggerType: "Revision", Action: "CREATED"}, "revision.created"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cfg.RoutingKeyFilter())
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	require.NoError(t, Config{TriggerType: "ITEM", Action: "Tagged"}.Validate())

	err := Config{TriggerType: "widget"}.Validate()
	var ae *apierr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "trigger_type", ae.Field)

	err = Config{Action: "exploded"}.Validate()
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "action", ae.Field)
}

func TestServerParams(t *testing.T) {
	p, err := New(Config{TriggerType: TriggerRevision, Action: ActionCreated, Subtree: "proj/space"})
	require.NoError(t, err)

	params := p.ServerParams()
	assert.Equal(t, "revision.created", params.Get(ParamRoutingKeyFilter))
	assert.Equal(t, "kref://proj/space/**", params.Get(ParamKrefFilter))

	empty, err := New(Config{})
	require.NoError(t, err)
	assert.Empty(t, empty.ServerParams())
}

func TestPipeline_EmptyPassesEverything(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	ok, stage := p.Allow(&event.Event{Kref: "kref://anything", RoutingKey: "edge.deleted"})
	assert.True(t, ok)
	assert.Empty(t, stage)
}

func TestPipeline_Subtree(t *testing.T) {
	p, err := New(Config{Subtree: "kref://proj/space"})
	require.NoError(t, err)

	for _, kref := range []string{"kref://proj/space", "kref://proj/space/x", "kref://proj/space/x/y"} {
		ok, _ := p.Allow(&event.Event{Kref: kref})
		assert.True(t, ok, kref)
	}

	ok, stage := p.Allow(&event.Event{Kref: "kref://proj/space2"})
	assert.False(t, ok)
	assert.Equal(t, StageSubtree, stage)
}

func TestPipeline_GlobSubtreeTrustsServer(t *testing.T) {
	p, err := New(Config{Subtree: "kref://proj/*/models"})
	require.NoError(t, err)

	ok, _ := p.Allow(&event.Event{Kref: "kref://elsewhere/entirely"})
	assert.True(t, ok)
}

func TestPipeline_Name(t *testing.T) {
	hero := &event.Event{
		Kref:       "kref://proj/space/Hero.model",
		RoutingKey: "item.created",
	}
	tagged := &event.Event{
		Kref:       "kref://proj/space/hero.model?r=3",
		RoutingKey: "revision.tagged",
		Details:    map[string]any{"tag": "approved", "revision": 3},
	}
	artifact := &event.Event{
		Kref:       "kref://proj/space/hero.model/artifacts/1",
		RoutingKey: "artifact.created",
		Details:    map[string]any{"artifact_name": "hero_diffuse.png"},
	}

	tests := []struct {
		name string
		cfg  Config
		ev   *event.Event
		want bool
	}{
		{"substring on kref", Config{NamePattern: "hero"}, hero, true},
		{"substring is case-insensitive", Config{NamePattern: "HERO"}, hero, true},
		{"substring on routing key", Config{NamePattern: "created"}, hero, true},
		{"substring miss", Config{NamePattern: "villain"}, hero, false},
		{"wildcard on name segment", Config{TriggerType: TriggerItem, NamePattern: "her?.*"}, hero, true},
		{"wildcard anchored", Config{TriggerType: TriggerItem, NamePattern: "ero*"}, hero, false},
		{"routing key pattern", Config{NamePattern: "item.*"}, hero, true},
		{"routing key pattern miss", Config{NamePattern: "revision.*"}, hero, false},
		{"name.kind pattern on item", Config{TriggerType: TriggerItem, NamePattern: "hero.model"}, hero, true},
		{"name.kind pattern miss", Config{TriggerType: TriggerItem, NamePattern: "hero.texture"}, hero, false},
		{"tag detail for tagged action", Config{TriggerType: TriggerRevision, Action: ActionTagged, NamePattern: "approv*"}, tagged, true},
		{"revision number detail", Config{TriggerType: TriggerRevision, NamePattern: "3"}, tagged, true},
		{"artifact name detail", Config{TriggerType: TriggerArtifact, NamePattern: "*.png"}, artifact, true},
		{"artifact name miss", Config{TriggerType: TriggerArtifact, NamePattern: "*.exr"}, artifact, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			require.NoError(t, err)
			ok, stage := p.Allow(tt.ev)
			assert.Equal(t, tt.want, ok)
			if !tt.want {
				assert.Equal(t, StageName, stage)
			}
		})
	}
}

func TestPipeline_ItemNameAndKind(t *testing.T) {
	p, err := New(Config{TriggerType: TriggerItem, ItemName: "hero", ItemKind: "model"})
	require.NoError(t, err)

	ok, _ := p.Allow(&event.Event{Kref: "kref://proj/space/hero.model", RoutingKey: "item.updated"})
	assert.True(t, ok)

	ok, _ = p.Allow(&event.Event{Kref: "kref://proj/space/hero.texture", RoutingKey: "item.updated"})
	assert.False(t, ok)

	ok, _ = p.Allow(&event.Event{
		Kref:       "kref://proj/space/hero",
		RoutingKey: "item.updated",
		Details:    map[string]any{"kind": "Model"},
	})
	assert.True(t, ok, "kind falls back to the detail field")
}

func TestPipeline_SubtreeEvaluatedFirst(t *testing.T) {
	p, err := New(Config{Subtree: "proj/space", NamePattern: "nomatch"})
	require.NoError(t, err)

	ok, stage := p.Allow(&event.Event{Kref: "kref://other/x"})
	assert.False(t, ok)
	assert.Equal(t, StageSubtree, stage)
}

func TestWildcardRegexp(t *testing.T) {
	assert.Equal(t, `(?is)^a.*b.c\.d$`, wildcardRegexp("a*b?c.d"))
}
