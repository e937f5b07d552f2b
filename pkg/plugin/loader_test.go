package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authjwt "microkernel/pkg/auth/jwt"
	"microkernel/pkg/store"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func echoLoader(t *testing.T, verifier ManifestVerifier) (*Loader, *callLog) {
	t.Helper()
	log := &callLog{}
	loader := NewLoader(verifier, slog.New(slog.DiscardHandler))
	require.NoError(t, loader.Register("echo", func(m Manifest) (Plugin, error) {
		greeting, _ := m.Config["greeting"].(string)
		return &Definition{
			Name:    "ignored",
			Version: "0.0.1",
			InitFunc: func(ctx context.Context, shared *store.Store) error {
				log.add("init:" + m.Name + ":" + greeting)
				return nil
			},
		}, nil
	}))
	require.NoError(t, loader.Register("pinned", func(m Manifest) (Plugin, error) {
		return &Definition{Name: m.Name, Dependencies: []string{"from-factory"}}, nil
	}))
	return loader, log
}

func TestLoader_RegisterDuplicateKind(t *testing.T) {
	loader, _ := echoLoader(t, nil)
	assert.Error(t, loader.Register("echo", nil))
	assert.Equal(t, []string{"echo", "pinned"}, loader.Kinds())
}

func TestLoader_ReadManifestFormats(t *testing.T) {
	dir := t.TempDir()
	loader, _ := echoLoader(t, nil)

	jsonPath := writeManifest(t, dir, "a.manifest.json",
		`{"name":"a","version":"1.2.0","kind":"echo","dependencies":["b"],"config":{"greeting":"hi"}}`)
	yamlPath := writeManifest(t, dir, "b.manifest.yaml", "name: b\nkind: echo\nconfig:\n  greeting: hey\n")

	m, err := loader.ReadManifest(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "a", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, []string{"b"}, m.Dependencies)
	assert.Equal(t, "hi", m.Config["greeting"])

	m, err = loader.ReadManifest(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "b", m.Name)
	assert.Nil(t, m.Dependencies)
	assert.Equal(t, "hey", m.Config["greeting"])
}

func TestLoader_ReadManifestRejects(t *testing.T) {
	dir := t.TempDir()
	loader, _ := echoLoader(t, nil)

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"invalid json", "x.manifest.json", "{"},
		{"missing name", "x.manifest.json", `{"kind":"echo"}`},
		{"missing kind", "x.manifest.yaml", "name: x\n"},
		{"signed without verifier", "x.manifest.jwt", "token"},
		{"unsupported", "x.toml", "name = 'x'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.ReadManifest(writeManifest(t, dir, tt.file, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoader_BuildOverridesMetadata(t *testing.T) {
	loader, _ := echoLoader(t, nil)

	p, err := loader.Build(&Manifest{Name: "a", Kind: "echo", Dependencies: []string{"b"}})
	require.NoError(t, err)
	meta := p.Metadata()
	assert.Equal(t, "a", meta.Name)
	assert.Equal(t, "0.0.1", meta.Version)
	assert.Equal(t, []string{"b"}, meta.Dependencies)

	_, ok := p.(Initializer)
	assert.True(t, ok)

	p, err = loader.Build(&Manifest{Name: "c", Kind: "pinned"})
	require.NoError(t, err)
	assert.Equal(t, []string{"from-factory"}, p.Metadata().Dependencies)

	_, err = loader.Build(&Manifest{Name: "d", Kind: "missing"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestLoader_LoadIntoKernel(t *testing.T) {
	dir := t.TempDir()
	loader, log := echoLoader(t, nil)

	writeManifest(t, dir, "a.manifest.json", `{"name":"a","kind":"echo","dependencies":["b"],"config":{"greeting":"hi"}}`)
	writeManifest(t, dir, "b.manifest.yml", "name: b\nkind: echo\nconfig:\n  greeting: hey\n")
	writeManifest(t, dir, "c.manifest.json", `{"name":"c","kind":"unknown"}`)
	writeManifest(t, dir, "README.md", "not a manifest")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.manifest.json"), 0o700))

	k := NewKernel()
	err := loader.LoadInto(k, dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Contains(t, err.Error(), "c.manifest.json")

	assert.Equal(t, []string{"a", "b"}, k.GetPluginNames())
	path, ok := loader.Source("b")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "b.manifest.yml"), path)

	require.NoError(t, k.Init(context.Background()))
	assert.Equal(t, []string{"init:b:hey", "init:a:hi"}, log.snapshot())
}

func TestLoader_LoadDirMissing(t *testing.T) {
	loader, _ := echoLoader(t, nil)
	_, err := loader.LoadDir(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestLoader_SignedManifest(t *testing.T) {
	provider, err := authjwt.NewJWTProvider(&authjwt.JWTConfig{
		Name:       "manifests",
		SecretKey:  "s3cret",
		Issuer:     "kernelctl",
		Expiration: time.Hour,
	})
	require.NoError(t, err)

	dir := t.TempDir()
	loader, _ := echoLoader(t, provider)

	token, err := provider.Sign("signed", []byte(`{"name":"signed","kind":"echo"}`))
	require.NoError(t, err)
	p, err := loader.LoadFile(writeManifest(t, dir, "signed.manifest.jwt", token+"\n"))
	require.NoError(t, err)
	assert.Equal(t, "signed", p.Metadata().Name)

	token, err = provider.Sign("other", []byte(`{"name":"signed","kind":"echo"}`))
	require.NoError(t, err)
	_, err = loader.LoadFile(writeManifest(t, dir, "mismatch.manifest.jwt", token))
	assert.ErrorContains(t, err, "subject mismatch")

	forger, err := authjwt.NewJWTProvider(&authjwt.JWTConfig{SecretKey: "wrong", Issuer: "kernelctl"})
	require.NoError(t, err)
	token, err = forger.Sign("signed", []byte(`{"name":"signed","kind":"echo"}`))
	require.NoError(t, err)
	_, err = loader.LoadFile(writeManifest(t, dir, "forged.manifest.jwt", token))
	assert.ErrorContains(t, err, "signature rejected")
}
