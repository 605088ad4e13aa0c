// ci runs the repository's checks in a container: vet, the unit tests
// (including the loopback UDP tests) and a build of both binaries.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	dagger "dagger.io/dagger"
)

type step struct {
	name string
	args []string
}

var steps = []step{
	{"vet", []string{"go", "vet", "./..."}},
	{"test", []string{"go", "test", "-race", "-count=1", "./..."}},
	{"build", []string{"go", "build", "-o", "/out/", "./cmd/dmr-bridge", "./cmd/usrp-peer"}},
	{"check-config", []string{"/out/dmr-bridge", "check-config"}},
}

func main() {
	ctx := context.Background()

	// Connect to Dagger engine using default settings (DAGGER_HOST env or local)
	c, err := dagger.Connect(ctx, dagger.WithLogOutput(os.Stdout))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dagger connect: %v\n", err)
		os.Exit(2)
	}
	defer c.Close()

	// Run from ci/dagger; the repository root is two levels up.
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get cwd: %v\n", err)
		os.Exit(4)
	}
	repoRoot, err := filepath.Abs(filepath.Join(cwd, "..", ".."))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve repo root: %v\n", err)
		os.Exit(5)
	}
	src := c.Host().Directory(repoRoot, dagger.HostDirectoryOpts{Exclude: []string{"ci/", "_examples/"}})

	// gopus links libopus through cgo.
	ctr := c.Container().From("golang:1.25").
		WithExec([]string{"apt-get", "update"}).
		WithExec([]string{"apt-get", "install", "-y", "--no-install-recommends", "libopus-dev", "pkg-config"}).
		WithMountedCache("/go/pkg/mod", c.CacheVolume("go-mod")).
		WithMountedCache("/root/.cache/go-build", c.CacheVolume("go-build")).
		WithEnvVariable("CGO_ENABLED", "1").
		WithEnvVariable("BOT_TOKEN", "ci").
		WithEnvVariable("LOCAL_RX_ADDR", "127.0.0.1:32001").
		WithEnvVariable("DMR_TARGET_TX_ADDR", "127.0.0.1:34001").
		WithDirectory("/work", src).
		WithWorkdir("/work").
		WithExec([]string{"go", "mod", "download"})

	for _, s := range steps {
		ctr = ctr.WithExec(s.args)
		out, err := ctr.Stdout(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s failed: %v\n", s.name, err)
			os.Exit(3)
		}
		if out != "" {
			fmt.Print(out)
		}
		fmt.Printf("--- %s ok\n", s.name)
	}

	fmt.Println("CI checks succeeded")
}
