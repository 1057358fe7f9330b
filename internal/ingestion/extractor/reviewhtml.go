package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
)

// ReviewDayLayout is how the report date of a CDC/RDC summary is stored.
const ReviewDayLayout = "2006-01-02T15:04:05"

var (
	reviewDatePattern   = regexp.MustCompile(`\w+ (\w+ \d+ \d+ \d+:\d+:\d+) UTC`)
	reviewCommitPattern = regexp.MustCompile(`GitHub Revision:.*<code>([a-fA-F0-9]+)</code>`)
	reviewBranchPattern = regexp.MustCompile(`Branch: ([\w_-]+)`)
	reviewToolPattern   = regexp.MustCompile(`Tool: ([\w_-]+)`)

	nonWord = regexp.MustCompile(`[^a-z0-9]+`)
)

// ReviewHTML reads a CDC or RDC review summary page: the first row of the
// first table becomes one record, enriched with the report date, commit,
// branch and tool found elsewhere on the page.
type ReviewHTML struct {
	Kind ingestion.Kind
	Skip SkipFunc
}

func (x *ReviewHTML) Extract(doc *ingestion.RawDocument) (iter.Seq[ingestion.Record], error) {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, extractionError(doc, "parsing html", err)
	}
	table := page.Find("table").First()
	if table.Length() == 0 {
		return nil, extractionError(doc, "page has no table", nil)
	}
	headers, values := firstRow(table)
	if len(headers) == 0 || len(values) == 0 {
		return nil, extractionError(doc, "summary table has no data row", nil)
	}

	html := string(doc.Body)
	day, err := reviewDay(html)
	if err != nil {
		return nil, extractionError(doc, "report date", err)
	}

	prefix := strings.TrimSuffix(string(x.Kind), "_summary")
	columns := reviewColumns(prefix)
	rec := ingestion.NewRecord(x.Kind).
		Set("day", day).
		Set("git_revision", submatch(reviewCommitPattern, html)).
		Set("branch", submatch(reviewBranchPattern, html)).
		Set("tool", submatch(reviewToolPattern, html))
	for i, h := range headers {
		if i >= len(values) {
			break
		}
		col := NormalizeHeader(h)
		numeric, known := columns[col]
		switch {
		case !known:
			x.Skip.skip(ReasonMalformedLeaf, "unknown summary column %q", h)
		case numeric:
			rec.Set(col, ingestion.ParseInt(values[i]))
		default:
			rec.Set(col, values[i])
		}
	}

	return func(yield func(ingestion.Record) bool) {
		yield(rec)
	}, nil
}

// firstRow returns the header cells and the first data row of table. When
// the table has no <th> cells the first row is taken as the header.
func firstRow(table *goquery.Selection) (headers, values []string) {
	cells := func(s *goquery.Selection) []string {
		var out []string
		s.Each(func(_ int, c *goquery.Selection) {
			out = append(out, strings.TrimSpace(c.Text()))
		})
		return out
	}

	rows := table.Find("tr")
	headers = cells(table.Find("th"))
	start := 0
	if len(headers) == 0 {
		if rows.Length() == 0 {
			return nil, nil
		}
		headers = cells(rows.First().Find("td"))
		start = 1
	}
	rows.Slice(start, rows.Length()).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		tds := row.Find("td")
		if tds.Length() == 0 {
			return true
		}
		values = cells(tds)
		return false
	})
	return headers, values
}

// NormalizeHeader turns a summary table header into a column name:
// "SDC Warnings" becomes sdc_warnings. The report generator misspells
// "Errors" as "Erros" in some columns; both spellings map to errors.
func NormalizeHeader(h string) string {
	s := nonWord.ReplaceAllString(strings.ToLower(strings.TrimSpace(h)), "_")
	s = strings.Trim(s, "_")
	if strings.HasSuffix(s, "_erros") {
		s = strings.TrimSuffix(s, "_erros") + "_errors"
	}
	return s
}

// reviewColumns lists the summary columns of a review table and whether each
// one is numeric.
func reviewColumns(prefix string) map[string]bool {
	cols := map[string]bool{"build_mode": false}
	for _, group := range []string{"flow", "sdc", "setup", prefix} {
		for _, s := range []string{"reviews", "warnings", "errors"} {
			if group == "flow" && s == "reviews" {
				continue
			}
			cols[group+"_"+s] = true
		}
	}
	return cols
}

func reviewDay(html string) (string, error) {
	m := reviewDatePattern.FindStringSubmatch(html)
	if m == nil {
		return "", errors.New("no UTC timestamp on page")
	}
	for _, layout := range []string{"January 2 2006 15:04:05", "Jan 2 2006 15:04:05"} {
		if t, err := time.Parse(layout, m[1]); err == nil {
			return t.Format(ReviewDayLayout), nil
		}
	}
	return "", fmt.Errorf("unrecognised timestamp %q", m[1])
}

func submatch(re *regexp.Regexp, s string) any {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	return m[1]
}
