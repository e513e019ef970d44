// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"
	"slices"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
)

type MarkdownMsg string

type HttpLink string

// Issue is a rendered help page explaining one error kind.
type Issue struct {
	kind     Kind
	mdMsg    MarkdownMsg
	docLinks []HttpLink
}

func (i *Issue) Kind() Kind {
	return i.kind
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

// Render renders the issue markdown with the given glamour style
// ("dark", "light", "notty", "auto" or a style file path).
func (i *Issue) Render(stylePath string) (string, error) {
	extraMd := ""
	if len(i.docLinks) > 0 {
		extraMd += "\n\n## See also\n"
		for _, link := range i.docLinks {
			extraMd += "- <" + string(link) + ">\n"
		}
	}
	return render(string(i.mdMsg)+extraMd, stylePath)
}

var (
	render = glamour.Render

	analysisUncertainIssue = &Issue{
		kind: AnalysisUncertain,
		mdMsg: `
# Could not classify the script

Neither the structural parse nor the pattern scan produced a usable signal,
so the dialect is **unknown** and no libraries were extracted.

## Things you can try
- Force a dialect and continue:
~~~
$ relic resolve --dialect legacy script.py
~~~
- Check that the file really is Python source and not a notebook export.`,
	}

	unresolvedDependencyIssue = &Issue{
		kind: UnresolvedDependency,
		mdMsg: `
# A library could not be resolved

The import has no entry in the knowledge base or its overlays, and no
candidate from the package index could be verified. Other libraries were
resolved normally.

## Things you can try
- Add a mapping to your enterprise overlay:
~~~cue
packages: mylib: "my-distribution"
libraries: "my-distribution": [{version: "1.2.0", osRelease: "stretch"}]
~~~
- Or confirm and build without it:
~~~
$ relic run --allow-unresolved script.py
~~~`,
		docLinks: []HttpLink{"https://packaging.python.org/en/latest/specifications/name-normalization/"},
	}

	generationErrorIssue = &Issue{
		kind: GenerationError,
		mdMsg: `
# The container definition could not be generated

Rendering failed or the selected base image reference is invalid.

## Things you can try
- Validate your knowledge files:
~~~
$ relic kb validate overlay.cue
~~~
- Check the ` + "`image`" + ` field of the selected image rule.`,
	}

	orchestrationErrorIssue = &Issue{
		kind: OrchestrationError,
		mdMsg: `
# The execution could not be carried out

Either the image build failed or the container runtime is unreachable.
Logs emitted before the failure are preserved in the execution log.

## Things you can try
- Check the runtime:
~~~
$ relic doctor
~~~
- Select another engine in your config:
~~~cue
container_engine: "podman"
~~~`,
		docLinks: []HttpLink{"https://docs.docker.com/engine/install/"},
	}

	historyWriteErrorIssue = &Issue{
		kind: HistoryWriteError,
		mdMsg: `
# The audit history could not be written

The execution itself finished and its result was returned, but the record or
the script snapshot was not persisted.

## Things you can try
- Check permissions on the project's ` + "`.relic`" + ` directory.
- Verify the existing history:
~~~
$ relic history verify
~~~`,
	}

	issues = map[Kind]*Issue{
		analysisUncertainIssue.Kind():    analysisUncertainIssue,
		unresolvedDependencyIssue.Kind(): unresolvedDependencyIssue,
		generationErrorIssue.Kind():      generationErrorIssue,
		orchestrationErrorIssue.Kind():   orchestrationErrorIssue,
		historyWriteErrorIssue.Kind():    historyWriteErrorIssue,
	}
)

// Values returns every issue ordered by kind.
func Values() []*Issue {
	v := maps.Values(issues)
	slices.SortFunc(v, func(a, b *Issue) int {
		return cmp.Compare(a.kind, b.kind)
	})
	return v
}

func Get(kind Kind) *Issue {
	return issues[kind]
}
