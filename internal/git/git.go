package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/vaultbak/internal/errs"
	"github.com/schaermu/vaultbak/internal/runner"
)

// EmptyTree is the id of the empty tree in SHA-1 repositories. It is the
// diff base when the tracked branch has no commits yet.
const EmptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Repo is a detached repository: the metadata directory and the live
// content directory it snapshots.
type Repo struct {
	GitDir   string
	WorkTree string
}

// Remote names the push destination.
type Remote struct {
	Name   string
	URL    string
	Branch string
}

// Identity is used as both author and committer.
type Identity struct {
	Name  string
	Email string
}

// Client provides the git operations a sync cycle is built from
type Client interface {
	// CloneBare mirrors the remote into a new bare repository at gitDir.
	CloneBare(ctx context.Context, remote Remote, gitDir string) error
	// RemoteURL returns the URL recorded for name, or "" when none is recorded.
	RemoteURL(ctx context.Context, repo Repo, name string) (string, error)
	// Fetch updates the remote-tracking ref of the branch. It reports false
	// when the remote does not have the branch yet.
	Fetch(ctx context.Context, repo Repo, remote Remote) (bool, error)
	// FastForward moves the local branch to the fetched tip when the local
	// tip is absent or an ancestor of it, and leaves it alone otherwise.
	FastForward(ctx context.Context, repo Repo, remote Remote) error
	// ResolveTip returns the commit of the local branch, or "" when unborn.
	ResolveTip(ctx context.Context, repo Repo, branch string) (string, error)
	// StageAll resets index to tip and stages the whole work tree into it.
	// Only the repository's info/exclude filters paths.
	StageAll(ctx context.Context, repo Repo, index, tip string) error
	// DiffCached returns numstat output between index and tip.
	DiffCached(ctx context.Context, repo Repo, index, tip string) (string, error)
	// Commit writes index as a tree and creates a commit on top of parent.
	Commit(ctx context.Context, repo Repo, index, parent, messageFile string, id Identity) (string, error)
	// UpdateRef moves the branch from oldID to newID. An empty oldID requires
	// that the branch does not exist yet.
	UpdateRef(ctx context.Context, repo Repo, branch, newID, oldID string) error
	// Push publishes the branch and records it as the remote-tracking tip.
	// It never forces.
	Push(ctx context.Context, repo Repo, remote Remote) error
	// Unpushed reports whether the branch is strictly ahead of the last
	// known remote tip.
	Unpushed(ctx context.Context, repo Repo, remote Remote) (bool, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	binary         string
	runner         runner.Runner
	baseEnv        map[string]string
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client. baseEnv is the complete ambient
// environment every invocation starts from; nothing else is inherited.
func NewShellClient(binary string, r runner.Runner, baseEnv map[string]string, sshKeyFile, httpsTokenFile string) *ShellClient {
	if binary == "" {
		binary = "git"
	}
	return &ShellClient{
		binary:         binary,
		runner:         r,
		baseEnv:        baseEnv,
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// passthroughEnv lists the process variables git and its transports need.
var passthroughEnv = []string{
	"PATH", "HOME", "USERPROFILE", "SYSTEMROOT", "TMPDIR", "TEMP", "TMP",
	"SSH_AUTH_SOCK", "HTTPS_PROXY", "HTTP_PROXY", "NO_PROXY",
}

// BaseEnv copies the variables git needs from the current process.
func BaseEnv() map[string]string {
	env := make(map[string]string, len(passthroughEnv))
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

// env builds the per-call environment: base, fixed git settings, then extra.
func (c *ShellClient) env(extra map[string]string) map[string]string {
	env := make(map[string]string, len(c.baseEnv)+len(extra)+2)
	for k, v := range c.baseEnv {
		env[k] = v
	}
	env["GIT_TERMINAL_PROMPT"] = "0"
	env["LC_ALL"] = "C"
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func repoEnv(repo Repo) map[string]string {
	return map[string]string{"GIT_DIR": repo.GitDir}
}

func treeEnv(repo Repo, index string) map[string]string {
	env := map[string]string{
		"GIT_DIR":       repo.GitDir,
		"GIT_WORK_TREE": repo.WorkTree,
	}
	if index != "" {
		env["GIT_INDEX_FILE"] = index
	}
	return env
}

func (c *ShellClient) run(ctx context.Context, env map[string]string, args ...string) (string, error) {
	res, err := c.runner.Run(ctx, c.binary, args, c.env(env))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// CloneBare clones the remote as a bare repository
func (c *ShellClient) CloneBare(ctx context.Context, remote Remote, gitDir string) error {
	if err := os.MkdirAll(filepath.Dir(gitDir), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	flags, authEnv, err := c.configureAuth(remote.URL)
	if err != nil {
		return err
	}

	args := append(flags, "clone", "--bare", "--origin", remote.Name, remote.URL, gitDir)
	if _, err := c.run(ctx, authEnv, args...); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}

	// A bare clone has no remote-tracking refs; record the cloned tip so
	// Unpushed has a baseline before the first fetch.
	repo := Repo{GitDir: gitDir}
	tip, err := c.ResolveTip(ctx, repo, remote.Branch)
	if err != nil || tip == "" {
		return err
	}
	return c.setRef(ctx, repo, trackingRef(remote), tip)
}

// RemoteURL reads remote.<name>.url from the repository config
func (c *ShellClient) RemoteURL(ctx context.Context, repo Repo, name string) (string, error) {
	out, err := c.run(ctx, repoEnv(repo), "config", "--local", "--get", "remote."+name+".url")
	if err != nil {
		// git config exits 1 when the key is not set
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", fmt.Errorf("git config failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Fetch fetches the tracked branch into refs/remotes/<name>/<branch>
func (c *ShellClient) Fetch(ctx context.Context, repo Repo, remote Remote) (bool, error) {
	flags, authEnv, err := c.configureAuth(remote.URL)
	if err != nil {
		return false, err
	}

	env := repoEnv(repo)
	for k, v := range authEnv {
		env[k] = v
	}

	refspec := fmt.Sprintf("+refs/heads/%s:%s", remote.Branch, trackingRef(remote))
	args := append(flags, "fetch", "--no-tags", remote.Name, refspec)
	if _, err := c.run(ctx, env, args...); err != nil {
		var toolErr *errs.ToolError
		if errors.As(err, &toolErr) && strings.Contains(toolErr.Stderr, "couldn't find remote ref") {
			return false, nil
		}
		return false, fmt.Errorf("git fetch failed: %w", err)
	}
	return true, nil
}

// FastForward advances refs/heads/<branch> to the fetched tip when possible
func (c *ShellClient) FastForward(ctx context.Context, repo Repo, remote Remote) error {
	remoteTip, err := c.revParse(ctx, repo, trackingRef(remote))
	if err != nil || remoteTip == "" {
		return err
	}
	localTip, err := c.ResolveTip(ctx, repo, remote.Branch)
	if err != nil {
		return err
	}

	switch {
	case localTip == remoteTip:
		return nil
	case localTip == "":
		return c.UpdateRef(ctx, repo, remote.Branch, remoteTip, "")
	}

	_, err = c.run(ctx, repoEnv(repo), "merge-base", "--is-ancestor", localTip, remoteTip)
	switch {
	case err == nil:
		return c.UpdateRef(ctx, repo, remote.Branch, remoteTip, localTip)
	case exitCode(err) == 1:
		// Local history is ahead or has diverged; the push decides.
		return nil
	default:
		return fmt.Errorf("git merge-base failed: %w", err)
	}
}

// ResolveTip returns the commit refs/heads/<branch> points at
func (c *ShellClient) ResolveTip(ctx context.Context, repo Repo, branch string) (string, error) {
	return c.revParse(ctx, repo, "refs/heads/"+branch)
}

func (c *ShellClient) revParse(ctx context.Context, repo Repo, ref string) (string, error) {
	out, err := c.run(ctx, repoEnv(repo), "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// StageAll reads tip into index without touching working files, then adds
// every path of the work tree, honoring info/exclude. core.excludesFile is
// pointed at the null device so the user's global ignore file never decides
// what gets backed up.
func (c *ShellClient) StageAll(ctx context.Context, repo Repo, index, tip string) error {
	env := treeEnv(repo, index)

	readTree := []string{"read-tree", "--empty"}
	if tip != "" {
		readTree = []string{"read-tree", tip}
	}
	if _, err := c.run(ctx, env, readTree...); err != nil {
		return fmt.Errorf("git read-tree failed: %w", err)
	}

	if _, err := c.run(ctx, env, "-C", repo.WorkTree, "-c", "core.excludesFile="+os.DevNull, "add", "--all"); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// DiffCached returns `git diff --cached --numstat` against tip with rename
// detection, so a pure rename is reported as a single file.
func (c *ShellClient) DiffCached(ctx context.Context, repo Repo, index, tip string) (string, error) {
	base := tip
	if base == "" {
		base = EmptyTree
	}
	out, err := c.run(ctx, treeEnv(repo, index), "-C", repo.WorkTree, "diff", "--cached", "--numstat", "-M", "--no-color", base)
	if err != nil {
		return "", fmt.Errorf("git diff failed: %w", err)
	}
	return out, nil
}

// Commit creates a commit object from index. The branch is not moved;
// callers follow up with UpdateRef.
func (c *ShellClient) Commit(ctx context.Context, repo Repo, index, parent, messageFile string, id Identity) (string, error) {
	tree, err := c.run(ctx, treeEnv(repo, index), "write-tree")
	if err != nil {
		return "", fmt.Errorf("git write-tree failed: %w", err)
	}

	env := repoEnv(repo)
	env["GIT_AUTHOR_NAME"] = id.Name
	env["GIT_AUTHOR_EMAIL"] = id.Email
	env["GIT_COMMITTER_NAME"] = id.Name
	env["GIT_COMMITTER_EMAIL"] = id.Email

	args := []string{"commit-tree", strings.TrimSpace(tree)}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	args = append(args, "-F", messageFile)

	out, err := c.run(ctx, env, args...)
	if err != nil {
		return "", fmt.Errorf("git commit-tree failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// UpdateRef moves refs/heads/<branch> to newID, verifying it still points
// at oldID (or does not exist yet when oldID is empty).
func (c *ShellClient) UpdateRef(ctx context.Context, repo Repo, branch, newID, oldID string) error {
	// git treats an empty old value as "must not exist yet".
	if _, err := c.run(ctx, repoEnv(repo), "update-ref", "-m", "vaultbak", "refs/heads/"+branch, newID, oldID); err != nil {
		return fmt.Errorf("git update-ref failed: %w", err)
	}
	return nil
}

// Push pushes refs/heads/<branch> to the same branch on the remote
func (c *ShellClient) Push(ctx context.Context, repo Repo, remote Remote) error {
	flags, authEnv, err := c.configureAuth(remote.URL)
	if err != nil {
		return err
	}

	env := repoEnv(repo)
	for k, v := range authEnv {
		env[k] = v
	}

	ref := "refs/heads/" + remote.Branch
	args := append(flags, "push", remote.Name, ref+":"+ref)
	if _, err := c.run(ctx, env, args...); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}

	tip, err := c.ResolveTip(ctx, repo, remote.Branch)
	if err != nil || tip == "" {
		return err
	}
	return c.setRef(ctx, repo, trackingRef(remote), tip)
}

// Unpushed reports whether the local branch holds commits the remote-tracking
// ref does not, i.e. a previous push failed after its commit was made.
func (c *ShellClient) Unpushed(ctx context.Context, repo Repo, remote Remote) (bool, error) {
	localTip, err := c.ResolveTip(ctx, repo, remote.Branch)
	if err != nil || localTip == "" {
		return false, err
	}
	remoteTip, err := c.revParse(ctx, repo, trackingRef(remote))
	if err != nil {
		return false, err
	}
	switch remoteTip {
	case "":
		return true, nil
	case localTip:
		return false, nil
	}

	_, err = c.run(ctx, repoEnv(repo), "merge-base", "--is-ancestor", remoteTip, localTip)
	switch {
	case err == nil:
		return true, nil
	case exitCode(err) == 1:
		// Diverged or behind; pushing would be rejected anyway.
		return false, nil
	default:
		return false, fmt.Errorf("git merge-base failed: %w", err)
	}
}

// setRef points ref at id without a compare-and-swap.
func (c *ShellClient) setRef(ctx context.Context, repo Repo, ref, id string) error {
	if _, err := c.run(ctx, repoEnv(repo), "update-ref", "-m", "vaultbak", ref, id); err != nil {
		return fmt.Errorf("git update-ref failed: %w", err)
	}
	return nil
}

func trackingRef(remote Remote) string {
	return fmt.Sprintf("refs/remotes/%s/%s", remote.Name, remote.Branch)
}

func exitCode(err error) int {
	var toolErr *errs.ToolError
	if errors.As(err, &toolErr) {
		return toolErr.ExitCode
	}
	return -1
}

// configureAuth returns the global flags and environment that authenticate
// network operations against url.
func (c *ShellClient) configureAuth(url string) ([]string, map[string]string, error) {
	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -o IdentitiesOnly=yes", shellQuote(c.sshKeyFile))
		return nil, map[string]string{"GIT_SSH_COMMAND": sshCmd}, nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The helper reads the token from the environment so it never
		// appears in the argument vector.
		flags := []string{
			"-c", "credential.helper=",
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$VAULTBAK_GIT_TOKEN"; }; f`,
		}
		return flags, map[string]string{"VAULTBAK_GIT_TOKEN": strings.TrimSpace(string(token))}, nil
	}

	return nil, nil, nil
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
