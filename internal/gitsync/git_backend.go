package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitBackend works on a local clone. Repository inspection goes through go-git;
// network operations and ahead/behind counting shell out to the git binary so
// credentials helpers, ssh config and hooks behave as they do for a developer.
type GitBackend struct {
	path   string
	remote string
	bin    string
}

// NewGitBackend returns a backend for the working copy containing path.
// remote is passed to fetch; empty means git's default remote.
func NewGitBackend(path, remote string) (*GitBackend, error) {
	if _, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true}); err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}
	return &GitBackend{path: path, remote: remote, bin: "git"}, nil
}

// open reopens the repository on every call; refs and packs written by the git
// binary since the last call would otherwise be missed.
func (b *GitBackend) open() (*git.Repository, error) {
	return git.PlainOpenWithOptions(b.path, &git.PlainOpenOptions{DetectDotGit: true})
}

// run executes git in the working copy and returns its raw stdout.
func (b *GitBackend) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, b.bin, args...)
	cmd.Dir = b.path
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s failed: %w, stderr: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (b *GitBackend) Fetch(ctx context.Context) error {
	args := []string{"fetch", "--quiet"}
	if b.remote != "" {
		args = append(args, b.remote)
	}
	_, err := b.run(ctx, args...)
	return err
}

func (b *GitBackend) Status(ctx context.Context) (Status, error) {
	var st Status
	repo, err := b.open()
	if err != nil {
		return st, fmt.Errorf("failed to open git repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return st, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if head != nil && head.Name().IsBranch() {
		st.Current = head.Name().Short()
	}

	if st.Current != "" {
		cfg, err := repo.Config()
		if err != nil {
			return st, fmt.Errorf("failed to read git config: %w", err)
		}
		if br, ok := cfg.Branches[st.Current]; ok && br.Merge != "" {
			st.Tracking = trackingRef(br.Remote, br.Merge)
		}
	}

	if wt, err := repo.Worktree(); err == nil {
		ws, err := wt.Status()
		if err != nil {
			return st, fmt.Errorf("failed to get status: %w", err)
		}
		for _, fs := range ws {
			if fs.Staging != git.Unmodified || fs.Worktree != git.Unmodified {
				st.Changed++
			}
		}
	} else if !errors.Is(err, git.ErrIsBareRepository) {
		return st, fmt.Errorf("failed to get worktree: %w", err)
	}

	if st.Tracking != "" && head != nil {
		out, err := b.run(ctx, "rev-list", "--left-right", "--count", "HEAD..."+st.Tracking)
		if err != nil {
			return st, err
		}
		st.Ahead, st.Behind, err = parseLeftRight(out)
		if err != nil {
			return st, err
		}
	}
	return st, nil
}

// trackingRef renders a branch's upstream the way git status does: origin/main,
// or just the branch for a local upstream.
func trackingRef(remote string, merge plumbing.ReferenceName) string {
	if remote == "" || remote == "." {
		return merge.Short()
	}
	return remote + "/" + merge.Short()
}

func parseLeftRight(out string) (int, int, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	return ahead, behind, nil
}

var (
	filesChangedRe = regexp.MustCompile(`(\d+) files? changed`)
	insertionsRe   = regexp.MustCompile(`(\d+) insertions?\(\+\)`)
	deletionsRe    = regexp.MustCompile(`(\d+) deletions?\(-\)`)
)

func (b *GitBackend) Pull(ctx context.Context) (PullResult, error) {
	out, err := b.run(ctx, "pull", "--stat", "--no-rebase")
	if err != nil {
		return PullResult{}, err
	}
	return parsePullSummary(out), nil
}

func parsePullSummary(out string) PullResult {
	res := PullResult{Summary: strings.TrimSpace(out)}
	atoi := func(re *regexp.Regexp) int {
		m := re.FindStringSubmatch(out)
		if m == nil {
			return 0
		}
		n, _ := strconv.Atoi(m[1])
		return n
	}
	res.Changes = atoi(filesChangedRe)
	res.Insertions = atoi(insertionsRe)
	res.Deletions = atoi(deletionsRe)
	return res
}

func (b *GitBackend) Push(ctx context.Context) (PushResult, error) {
	out, err := b.run(ctx, "push", "--porcelain")
	if err != nil {
		return PushResult{}, err
	}
	return parsePushPorcelain(out), nil
}

// parsePushPorcelain reads "<flag>\t<from>:<to>\t<summary>" lines; any flag other
// than "=" (up to date) and "!" (rejected) means a ref moved.
func parsePushPorcelain(out string) PushResult {
	res := PushResult{Summary: strings.TrimSpace(out)}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 || line[1] != '\t' {
			continue
		}
		switch line[0] {
		case ' ', '+', '-', '*':
			res.Pushed = true
		}
	}
	return res
}

func (b *GitBackend) Log(ctx context.Context, from, to string, limit int) ([]Commit, error) {
	repo, err := b.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}
	fromCommit, err := resolveCommit(repo, from)
	if err != nil {
		return nil, err
	}
	toCommit, err := resolveCommit(repo, to)
	if err != nil {
		return nil, err
	}

	bases, err := fromCommit.MergeBase(toCommit)
	if err != nil {
		return nil, fmt.Errorf("failed to compute merge base: %w", err)
	}
	stop := make(map[plumbing.Hash]struct{}, len(bases))
	for _, c := range bases {
		stop[c.Hash] = struct{}{}
	}

	iter, err := repo.Log(&git.LogOptions{From: toCommit.Hash, Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	var commits []Commit
	for limit <= 0 || len(commits) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read log: %w", err)
		}
		if _, ok := stop[c.Hash]; ok {
			// everything older than the last merge base is shared history
			delete(stop, c.Hash)
			if len(stop) == 0 {
				break
			}
			continue
		}
		// Skip history shared with from (reachable through another parent).
		if anc, err := c.IsAncestor(fromCommit); err == nil && anc {
			continue
		}
		commits = append(commits, commitFromObject(c))
	}
	return commits, nil
}

func resolveCommit(repo *git.Repository, rev string) (*object.Commit, error) {
	h, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	c, err := repo.CommitObject(*h)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", rev, err)
	}
	return c, nil
}

func commitFromObject(c *object.Commit) Commit {
	hash := c.Hash.String()
	subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return Commit{
		Hash:      hash,
		ShortHash: hash[:7],
		Subject:   subject,
		Author:    c.Author.Name,
		When:      c.Author.When,
	}
}
