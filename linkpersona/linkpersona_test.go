package linkpersona

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// botConfig returns a config New can fully construct: fixture personas,
// a temp sqlite path, an ephemeral API port, and development-mode CORS.
// Tests built on it stay serial: New swaps the process-default and
// discordgo loggers.
func botConfig(t testing.TB) *Config {
	t.Helper()
	cfg := testConfig(t)

	personasDir := t.TempDir()
	writePersonaFile(t, personasDir, "anchor.yaml", anchorYAML)
	writePersonaFile(t, personasDir, "pirate.yml", pirateYAML)
	cfg.PersonasDir = personasDir

	cfg.Database = filepath.Join(t.TempDir(), "linkpersona.sqlite3")
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Development = true
	return cfg
}

func TestNew(t *testing.T) {
	cfg := botConfig(t)

	lp, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, lp)

	assert.NotNil(t, lp.store)
	assert.NotNil(t, lp.registry)
	assert.NotNil(t, lp.fetcher)
	assert.NotNil(t, lp.llm)
	assert.NotNil(t, lp.dispatcher)
	assert.NotNil(t, lp.discord)
	assert.NotNil(t, lp.api)
	assert.NotNil(t, cfg.HTTPClient)

	ids := lp.registry.IDs()
	assert.Equal(t, []string{"anchor", "pirate"}, ids)
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := botConfig(t)
	cfg.DatabaseType = "mysql"

	lp, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
	assert.NotNil(t, lp)
}

func TestNew_EmptyPersonasDir(t *testing.T) {
	cfg := botConfig(t)
	cfg.PersonasDir = t.TempDir()

	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyRegistry))
}

func TestNew_JoinsErrors(t *testing.T) {
	cfg := botConfig(t)
	cfg.DatabaseType = "mysql"
	cfg.PersonasDir = t.TempDir()

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
	assert.True(t, errors.Is(err, ErrEmptyRegistry))
}

func TestLinkPersona_InitDB(t *testing.T) {
	cfg := botConfig(t)
	lp, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, lp.initDB(ctx))
	require.NotNil(t, lp.db)
	require.NotNil(t, lp.writeDB)
	assert.NotNil(t, lp.dispatcher.writeDB)

	rows, err := lp.writeDB.Create(
		ctx, &CommandLog{
			ChannelID: "chan-1",
			UserID:    "user-1",
			Command:   DiscordSlashCommandStats,
			Outcome:   commandOutcomeOK,
			Source:    requestSourceAPI,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	var count int64
	require.NoError(
		t,
		lp.db.WithContext(ctx).Model(&CommandLog{}).Count(&count).Error,
	)
	assert.Equal(t, int64(1), count)
}

func TestLinkPersona_RegisterSlashCommands(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)
	lp := &LinkPersona{logger: testLogger(t), discord: d}

	created, err := lp.RegisterSlashCommands()
	require.NoError(t, err)
	assert.Len(t, created, 3)
	assert.Len(t, session.commandOverwrites(), 1)
}

func TestLinkPersona_StopBeforeRun(t *testing.T) {
	t.Parallel()
	lp := &LinkPersona{}
	lp.Stop()
}

func TestLinkPersona_RunAndStop(t *testing.T) {
	cfg := botConfig(t)

	lp, err := New(cfg)
	require.NoError(t, err)

	session := &mockDiscordSession{}
	lp.discord.session = session

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- lp.Run(ctx)
	}()

	select {
	case <-lp.signalReady:
		//
	case runErr := <-done:
		t.Fatalf("run exited before ready: %v", runErr)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for startup")
	}

	overwrites := session.commandOverwrites()
	require.Len(t, overwrites, 1)
	assert.Equal(t, cfg.Discord.ApplicationID, overwrites[0].AppID)
	assert.Len(t, overwrites[0].Commands, 3)

	// the custom status is set in the background after the gateway opens
	require.Eventually(
		t, func() bool {
			return len(session.customStatuses()) > 0
		}, 10*time.Second, 25*time.Millisecond,
	)
	assert.Equal(
		t,
		[]string{DefaultDiscordCustomStatus},
		session.customStatuses(),
	)

	lp.Stop()

	select {
	case runErr := <-done:
		assert.NoError(t, runErr)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}
