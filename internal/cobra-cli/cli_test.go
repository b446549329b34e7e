package cobra

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"testing"

	json "github.com/nikkolasg/hexjson"
	"github.com/stretchr/testify/require"

	"github.com/cobrabft/cobra/common/key"
	"github.com/cobrabft/cobra/common/testlogger"
	"github.com/cobrabft/cobra/crypto"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := CLI()
	app.Writer = &out
	err := app.Run(append([]string{"cobra"}, args...))
	return out.String(), err
}

func TestKeyGen(t *testing.T) {
	tmp := path.Join(t.TempDir(), "cobra")
	out, err := run(t, "generate-keypair", "--folder", tmp, "--tls", "127.0.0.1:8081")
	require.NoError(t, err)
	require.Contains(t, out, "Generated keys at")

	suite := crypto.NewSuite()
	fileStore, err := key.NewFileStore(suite, tmp)
	require.NoError(t, err)
	priv, err := fileStore.LoadKeyPair()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8081", priv.Public.Address())
	require.True(t, priv.Public.IsTLS())

	// a second run keeps the existing pair
	out, err = run(t, "generate-keypair", "--folder", tmp, "127.0.0.1:9999")
	require.NoError(t, err)
	require.Contains(t, out, "already present")
	again, err := fileStore.LoadKeyPair()
	require.NoError(t, err)
	require.True(t, again.Key.Equal(priv.Key))
}

func TestKeyGenError(t *testing.T) {
	tmp := path.Join(t.TempDir(), "cobra")
	_, err := run(t, "generate-keypair", "--folder", tmp)
	require.Error(t, err)
	_, err = run(t, "generate-keypair", "--folder", tmp, "127.0.0.1")
	require.Error(t, err)
	_, err = run(t, "generate-keypair", "--folder", tmp, "127.0.0.1:1", "127.0.0.1:2")
	require.Error(t, err)
}

func TestViewBuildAndShow(t *testing.T) {
	base := t.TempDir()
	var publics []string
	for i := 0; i < 4; i++ {
		folder := path.Join(base, fmt.Sprintf("replica-%d", i))
		_, err := run(t, "generate-keypair", "--folder", folder, fmt.Sprintf("127.0.0.1:%d", 7000+i))
		require.NoError(t, err)
		publics = append(publics, key.PublicKeyFile(folder))
	}

	target := path.Join(base, "replica-0")
	args := append([]string{"view", "build", "--folder", target, "--f", "1", "--epoch", "3"}, publics...)
	out, err := run(t, args...)
	require.NoError(t, err)
	require.Contains(t, out, "View of 4 members tolerating f=1 saved")

	out, err = run(t, "view", "show", "--folder", target)
	require.NoError(t, err)
	require.True(t, strings.Contains(out, "127.0.0.1:7003"))

	out, err = run(t, "view", "show", "--folder", target, "--json")
	require.NoError(t, err)
	var shown viewJSON
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Equal(t, uint32(3), shown.Epoch)
	require.Equal(t, 3, shown.Quorum)
	require.Len(t, shown.Nodes, 4)

	suite := crypto.NewSuite()
	fileStore, err := key.NewFileStore(suite, target)
	require.NoError(t, err)
	view, err := fileStore.LoadView()
	require.NoError(t, err)
	require.Equal(t, view.Hash(suite), shown.Hash)
	for i, n := range shown.Nodes {
		require.Equal(t, i, n.Pid)
		buff, err := view.Node(i).Key.MarshalBinary()
		require.NoError(t, err)
		require.Equal(t, buff, n.Key)
	}
}

func TestViewBuildErrors(t *testing.T) {
	base := t.TempDir()
	_, err := run(t, "view", "build", "--folder", base)
	require.Error(t, err)
	_, err = run(t, "view", "build", "--folder", base, path.Join(base, "missing.public"))
	require.Error(t, err)

	folder := path.Join(base, "single")
	_, err = run(t, "generate-keypair", "--folder", folder, "127.0.0.1:7000")
	require.NoError(t, err)
	// one member cannot tolerate a fault
	_, err = run(t, "view", "build", "--folder", folder, "--f", "1", key.PublicKeyFile(folder))
	require.Error(t, err)
	_, err = run(t, "view", "show", "--folder", folder)
	require.Error(t, err)
}

func TestDemo(t *testing.T) {
	for _, scheme := range []string{"linear", "constant"} {
		t.Run(scheme, func(t *testing.T) {
			out, err := run(t, "demo", "--nodes", "4", "--f", "1", "--scheme", scheme, "--secrets", "3", "--json")
			require.NoError(t, err)
			var report demoReport
			require.NoError(t, json.Unmarshal([]byte(out), &report))
			require.Equal(t, scheme, report.Scheme)
			require.Equal(t, 3, report.Recovered)
			require.Equal(t, 0, report.Designated)
			require.True(t, report.Unchanged)
		})
	}
}

func TestDemoTLS(t *testing.T) {
	out, err := run(t, "demo", "--tls", "--secrets", "1", "--json")
	require.NoError(t, err)
	var report demoReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.True(t, report.TLS)
	require.True(t, report.Unchanged)
}

func TestSelfSignedConfig(t *testing.T) {
	dir := t.TempDir()
	conf, err := selfSignedConfig(testlogger.New(t), dir)
	require.NoError(t, err)
	require.Len(t, conf.Certificates, 1)
	require.NotNil(t, conf.RootCAs)
	// a second call reuses the certificate on disk
	_, err = selfSignedConfig(testlogger.New(t), dir)
	require.NoError(t, err)
}

func TestDemoErrors(t *testing.T) {
	_, err := run(t, "demo", "--scheme", "unknown")
	require.Error(t, err)
	_, err = run(t, "demo", "--secrets", "0")
	require.Error(t, err)
	_, err = run(t, "demo", "--nodes", "2", "--f", "1")
	require.Error(t, err)
	_, err = run(t, "demo", "--source", t.TempDir())
	require.Error(t, err)
}
