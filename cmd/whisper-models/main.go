// whisper-models manages the ggml model files the service runs on.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/scribelabs/whisperd/internal/download"
	"github.com/scribelabs/whisperd/internal/whisper"
)

var version = "0.1.0-dev"

func main() {
	var (
		modelRef string
		dir      string
		compute  string
		quiet    bool
	)
	getCmd := flag.NewFlagSet("get", flag.ExitOnError)
	getCmd.StringVar(&modelRef, "model", whisper.DefaultModel, "Model name")
	getCmd.StringVar(&dir, "dir", "./models", "Model directory")
	getCmd.StringVar(&compute, "compute", "int8", "Compute type the service will use (int8 selects the q8_0 build)")
	getCmd.BoolVar(&quiet, "quiet", false, "Suppress the progress bar")

	verifyCmd := flag.NewFlagSet("verify", flag.ExitOnError)
	verifyCmd.StringVar(&modelRef, "model", whisper.DefaultModel, "Model name")
	verifyCmd.StringVar(&dir, "dir", "./models", "Model directory")
	verifyCmd.StringVar(&compute, "compute", "float32", "Compute type the service will use")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'list', 'get', 'verify' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "list":
		for _, name := range whisper.ModelNames() {
			fmt.Println(name)
		}
	case "get":
		getCmd.Parse(os.Args[2:])
		if err := runGet(modelRef, dir, compute, quiet); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "verify":
		verifyCmd.Parse(os.Args[2:])
		if err := runVerify(modelRef, dir, compute); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("checksum ok")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runGet(modelRef, dir, compute string, quiet bool) error {
	resolved, err := whisper.ResolveModel(modelRef, compute, dir, "")
	if err != nil {
		return err
	}
	if !resolved.NeedsDownload {
		fmt.Printf("%s already present at %s\n", resolved.Name, resolved.Path)
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := download.DownloadFile(context.Background(), download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		NoProgress:     quiet,
		Logger:         logger,
	}); err != nil {
		return err
	}
	fmt.Printf("downloaded %s to %s\n", resolved.Name, resolved.Path)
	return nil
}

func runVerify(modelRef, dir, compute string) error {
	resolved, err := whisper.ResolveModel(modelRef, compute, dir, "")
	if err != nil {
		return err
	}
	if resolved.NeedsDownload {
		return fmt.Errorf("model file missing: %s", resolved.Path)
	}
	if resolved.SHA256 == "" {
		return fmt.Errorf("no published checksum for %s", resolved.Name)
	}
	return download.VerifyFileChecksum(resolved.Path, resolved.SHA256)
}
