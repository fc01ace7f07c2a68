// Package problem parses problem descriptors and grades attempts against
// them.
package problem

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/noah-isme/gema-grader/internal/capa/responses"
	"github.com/noah-isme/gema-grader/internal/capa/xmltree"
)

// ErrInvalidDescriptor is returned for problem XML that cannot be graded.
var ErrInvalidDescriptor = errors.New("invalid problem descriptor")

// Descriptor is a parsed problem. Handlers annotate the tree while they are
// built, so a Descriptor must not be shared between concurrent gradings;
// parse a fresh one per operation.
type Descriptor struct {
	ID          string
	Root        *xmltree.Element
	Responses   []*xmltree.Element
	InputIDs    []string
	Script      string
	DemandHints []string
}

// Parse reads problem XML and assigns the ids <problem>_<n>_<m> to every
// response and input, numbering responses from 2 and inputs from 1 within
// their response. Ids written by the author are replaced.
func Parse(problemID string, data []byte) (*Descriptor, error) {
	root, err := xmltree.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if root.Tag != "problem" {
		return nil, fmt.Errorf("%w: root element is <%s>, want <problem>", ErrInvalidDescriptor, root.Tag)
	}

	d := &Descriptor{ID: problemID, Root: root}

	var scripts []string
	for _, script := range root.FindAll("script") {
		scripts = append(scripts, dedentScript(script.Text()))
	}
	d.Script = strings.Join(scripts, "\n")

	for _, group := range root.Find("demandhint") {
		for _, hint := range group.Find("hint") {
			d.DemandHints = append(d.DemandHints, strings.TrimSpace(hint.InnerXML()))
		}
	}

	d.Responses = root.Descendants(isResponse)
	for i, response := range d.Responses {
		responseID := problemID + "_" + strconv.Itoa(i+2)
		response.SetAttr("id", responseID)
		for j, input := range response.Descendants(responses.IsInput) {
			inputID := responseID + "_" + strconv.Itoa(j+1)
			input.SetAttr("id", inputID)
			d.InputIDs = append(d.InputIDs, inputID)
		}
	}

	if len(d.Responses) == 0 {
		return nil, fmt.Errorf("%w: no response elements", ErrInvalidDescriptor)
	}
	return d, nil
}

// HasInput reports whether id names an input of the problem.
func (d *Descriptor) HasInput(id string) bool {
	for _, inputID := range d.InputIDs {
		if inputID == id {
			return true
		}
	}
	return false
}

func isResponse(el *xmltree.Element) bool {
	return strings.HasSuffix(el.Tag, "response")
}

func dedentScript(code string) string {
	lines := strings.Split(code, "\n")
	prefix := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if prefix < 0 || indent < prefix {
			prefix = indent
		}
	}
	var out []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			out = append(out, "")
			continue
		}
		out = append(out, line[prefix:])
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
