package crawler

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxPaginationFill caps how many page URLs one detection may generate.
const maxPaginationFill = 500

var (
	pageQueryParams  = []string{"page", "pg", "paged"}
	pagePathPattern  = regexp.MustCompile(`(?i)/page/(\d{1,6})/?$`)
	pageOfTextLabel  = regexp.MustCompile(`(?i)\bpage\s+(\d{1,6})\s+of\s+(\d{1,6})\b`)
	bareOfTextLabel  = regexp.MustCompile(`\b(\d{1,6})\s+of\s+(\d{1,6})\b`)
	pagerSelector    = ".pagination, .pager, .page-numbers, .paginator, .paging, nav[aria-label*=agination], [class*=pagination], [class*=pager]"
	pageNumberInText = regexp.MustCompile(`^\s*(\d{1,6})\s*$`)
)

// PaginationResult describes pagination evidence found on one page.
type PaginationResult struct {
	Detected bool
	MaxPage  int
	// URLs are page URLs in page-number order, excluding the scanned page.
	URLs     []string
	Patterns []string
}

type pageTemplate struct {
	base  *url.URL
	param string
	path  bool
}

func (p pageTemplate) build(n int) (string, bool) {
	u := *p.base
	if p.path {
		loc := pagePathPattern.FindStringSubmatchIndex(u.Path)
		if loc == nil {
			return "", false
		}
		u.Path = u.Path[:loc[2]] + strconv.Itoa(n) + u.Path[loc[3]:]
		u.RawPath = ""
	} else {
		q := u.Query()
		q.Set(p.param, strconv.Itoa(n))
		u.RawQuery = q.Encode()
	}
	normalized, err := NormalizeURL(u.String())
	if err != nil {
		return "", false
	}
	return normalized, true
}

type paginationScan struct {
	base     *url.URL
	pages    map[int]string
	maxPage  int
	template *pageTemplate
	patterns map[string]struct{}
}

func (s *paginationScan) note(pattern string, n int, link string) {
	s.patterns[pattern] = struct{}{}
	if n > s.maxPage {
		s.maxPage = n
	}
	if link != "" {
		if _, exists := s.pages[n]; !exists {
			s.pages[n] = link
		}
	}
}

// DetectPagination scans a page for pagination links and labels: page query
// parameters, /page/N/ paths, pager-classed elements and "Page N of M"
// text. When a URL template is known, every page number between the lowest
// observed page and the highest page found is generated.
func DetectPagination(doc *goquery.Document, pageURL *url.URL) PaginationResult {
	scan := &paginationScan{
		base:     DocumentBase(doc, pageURL),
		pages:    make(map[int]string),
		patterns: make(map[string]struct{}),
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		scan.inspectLink(href)
	})

	doc.Find(pagerSelector).Each(func(_ int, pager *goquery.Selection) {
		pager.Find("a, span, li, button").Each(func(_ int, item *goquery.Selection) {
			m := pageNumberInText.FindStringSubmatch(item.Text())
			if m == nil {
				return
			}
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= 0 {
				return
			}
			link := ""
			if href, ok := item.Attr("href"); ok {
				if resolved, ok := ResolveLink(scan.base, href); ok {
					link = resolved
				}
			}
			scan.note("pagination:class", n, link)
		})
		for _, m := range bareOfTextLabel.FindAllStringSubmatch(pager.Text(), -1) {
			scan.noteOfLabel(m)
		}
	})

	bodyText := doc.Find("body").Text()
	for _, m := range pageOfTextLabel.FindAllStringSubmatch(bodyText, -1) {
		scan.noteOfLabel(m)
	}

	return scan.result(pageURL)
}

func (s *paginationScan) inspectLink(href string) {
	resolved, ok := ResolveLink(s.base, href)
	if !ok {
		return
	}
	u, err := url.Parse(resolved)
	if err != nil {
		return
	}
	query := u.Query()
	for _, param := range pageQueryParams {
		raw := query.Get(param)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			continue
		}
		if s.template == nil {
			s.template = &pageTemplate{base: u, param: param}
		}
		s.note("pagination:query:"+param, n, resolved)
		return
	}
	if m := pagePathPattern.FindStringSubmatch(u.Path); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return
		}
		if s.template == nil {
			s.template = &pageTemplate{base: u, path: true}
		}
		s.note("pagination:path", n, resolved)
	}
}

func (s *paginationScan) noteOfLabel(m []string) {
	current, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || current <= 0 || total < current {
		return
	}
	s.note("pagination:text", total, "")
}

func (s *paginationScan) result(pageURL *url.URL) PaginationResult {
	if len(s.patterns) == 0 || s.maxPage <= 1 {
		return PaginationResult{}
	}
	res := PaginationResult{Detected: true, MaxPage: s.maxPage}
	for pattern := range s.patterns {
		res.Patterns = append(res.Patterns, pattern)
	}
	sort.Strings(res.Patterns)

	if s.template != nil {
		low := s.maxPage
		for n := range s.pages {
			if n < low {
				low = n
			}
		}
		high := s.maxPage
		if high-low+1 > maxPaginationFill {
			high = low + maxPaginationFill - 1
		}
		for n := low; n <= high; n++ {
			if _, observed := s.pages[n]; observed {
				continue
			}
			if generated, ok := s.template.build(n); ok {
				s.pages[n] = generated
			}
		}
	}

	self := ""
	if pageURL != nil {
		self, _ = NormalizeURL(pageURL.String())
	}
	numbers := make([]int, 0, len(s.pages))
	for n := range s.pages {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	seen := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		link := s.pages[n]
		if link == self || strings.TrimSpace(link) == "" {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		res.URLs = append(res.URLs, link)
	}
	return res
}
