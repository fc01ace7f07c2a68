package responses

import (
	"strings"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/xmltree"
	"github.com/noah-isme/gema-grader/pkg/markup"
)

// applyHintGroup evaluates the named conditions of a <hintgroup> and attaches
// the text of every matching <hintpart> to the last input of the response.
//
//	<hintgroup mode="on_request">
//	  <formulahint samples="x@1:5#10" answer="x/2" name="halved"/>
//	  <hintpart on="halved"><text>You divided instead of multiplying.</text></hintpart>
//	</hintgroup>
func applyHintGroup(b *base, cmap *correctmap.CorrectMap, conditionTag string, satisfied func(*xmltree.Element) bool) {
	group := b.element.First("hintgroup")
	if group == nil {
		return
	}

	matched := make(map[string]struct{})
	for _, condition := range group.Find(conditionTag) {
		if satisfied(condition) {
			matched[condition.Attr("name")] = struct{}{}
		}
	}
	if len(matched) == 0 {
		return
	}

	mode := correctmap.HintModeAlways
	if correctmap.HintMode(group.Attr("mode")) == correctmap.HintModeOnRequest {
		mode = correctmap.HintModeOnRequest
	}

	var texts []string
	for _, part := range group.Find("hintpart") {
		if _, ok := matched[part.Attr("on")]; !ok {
			continue
		}
		if text := part.First("text"); text != nil {
			texts = append(texts, strings.TrimSpace(text.InnerXML()))
		}
	}
	if len(texts) == 0 {
		return
	}

	target := b.inputIDs[len(b.inputIDs)-1]
	cmap.SetHintAndMode(target, markup.SanitizeHTML(strings.Join(texts, " ")), mode)
}
