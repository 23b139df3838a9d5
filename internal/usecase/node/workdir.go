package node

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"chainharness/internal/domain"
)

// AppConfigFile is the node config file rewritten with allocated ports.
const AppConfigFile = "ckb.toml"

// Port placeholders replaced in AppConfigFile.
const (
	RPCPortPlaceholder       = "__RPC_PORT__"
	P2PPortPlaceholder       = "__P2P_PORT__"
	SubscribePortPlaceholder = "__SUBSCRIBE_PORT__"
)

// prepareWorkingDir creates a fresh directory under root named after the
// test case and node, copies templateDir into it and writes ports into the
// app config.
func prepareWorkingDir(root, caseName, nodeName, templateDir string, ports Ports) (string, error) {
	const op = "Node.Init"
	if root == "" {
		root = os.TempDir()
	}
	name := strings.Join([]string{"ckb-it", caseName, nodeName, ulid.Make().String()}, "-")
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, "data", "db"), 0o755); err != nil {
		return "", domain.WrapOp(op, err)
	}
	if templateDir != "" {
		if err := copyDir(templateDir, dir); err != nil {
			return "", domain.WrapOp(op, fmt.Errorf("copy %s: %w", templateDir, err))
		}
	}

	path := filepath.Join(dir, AppConfigFile)
	content, err := os.ReadFile(path)
	if err != nil {
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("read %s: %v", path, err))
	}
	replacer := strings.NewReplacer(
		RPCPortPlaceholder, strconv.Itoa(ports.RPC),
		P2PPortPlaceholder, strconv.Itoa(ports.P2P),
		SubscribePortPlaceholder, strconv.Itoa(ports.Subscribe),
	)
	if err := os.WriteFile(path, []byte(replacer.Replace(string(content))), 0o644); err != nil {
		return "", domain.WrapOp(op, err)
	}
	return dir, nil
}

// copyDir copies the contents of src into dst, keeping file modes.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
