// Package realm is the Realm Client (A5): a fasthttp-based client for the
// two discovery HTTP endpoints a realm exposes, `about` and
// `active-entities` (§6). Response bodies are parsed with tidwall/gjson,
// which the corpus's own lightweight REST clients favor over a full
// unmarshal when only a handful of fields are ever read.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package realm

import (
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/decentraland/explorer-core/cmn/rerr"
)

// Client is a thin, reusable fasthttp client scoped to one realm base URL.
type Client struct {
	BaseURL string
	http    *fasthttp.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		http: &fasthttp.Client{
			MaxConnsPerHost:     64,
			ReadTimeout:         10 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
}

// About is the realm's self-description; only the fields this core actually
// consumes are exposed (§6: "about returns a JSON with
// configurations.scenesUrn").
type About struct {
	ScenesURN []string
}

func (c *Client) About() (*About, error) {
	body, err := c.get(c.BaseURL + "/about")
	if err != nil {
		return nil, err
	}
	urns := gjson.GetBytes(body, "configurations.scenesUrn")
	about := &About{}
	urns.ForEach(func(_, v gjson.Result) bool {
		about.ScenesURN = append(about.ScenesURN, v.String())
		return true
	})
	return about, nil
}

// ContentEntry is a {file, hash} pair inside an ActiveEntity's content list.
type ContentEntry struct {
	File string
	Hash string
}

// ActiveEntity is one {id, pointers[], content[], metadata} result from
// `active-entities`.
type ActiveEntity struct {
	ID       string
	Pointers []string
	Content  []ContentEntry
	Metadata gjson.Result
}

// ActiveEntities posts the batch of parcel pointers ("x,y" strings) to the
// realm's active-entities endpoint and returns the resolved entities.
func (c *Client) ActiveEntities(pointers []string) ([]ActiveEntity, error) {
	var buf []byte
	buf = append(buf, `{"pointers":[`...)
	for i, p := range pointers {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '"')
		buf = append(buf, p...)
		buf = append(buf, '"')
	}
	buf = append(buf, `]}`...)

	body, err := c.post(c.BaseURL+"/content/entities/active", buf)
	if err != nil {
		return nil, err
	}
	results := gjson.ParseBytes(body).Array()
	out := make([]ActiveEntity, 0, len(results))
	for _, r := range results {
		e := ActiveEntity{
			ID:       r.Get("id").String(),
			Metadata: r.Get("metadata"),
		}
		r.Get("pointers").ForEach(func(_, v gjson.Result) bool {
			e.Pointers = append(e.Pointers, v.String())
			return true
		})
		r.Get("content").ForEach(func(_, v gjson.Result) bool {
			e.Content = append(e.Content, ContentEntry{File: v.Get("file").String(), Hash: v.Get("hash").String()})
			return true
		})
		out = append(out, e)
	}
	return out, nil
}

func (c *Client) get(url string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := c.http.Do(req, resp); err != nil {
		return nil, rerr.Wrap(rerr.KindTransientIO, "realm", err, "GET "+url)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, rerr.New(rerr.KindTransientIO, "realm", "GET "+url+" returned status "+strconv.Itoa(resp.StatusCode()))
	}
	return append([]byte(nil), resp.Body()...), nil
}

func (c *Client) post(url string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := c.http.Do(req, resp); err != nil {
		return nil, rerr.Wrap(rerr.KindTransientIO, "realm", err, "POST "+url)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, rerr.New(rerr.KindTransientIO, "realm", "POST "+url+" returned status "+strconv.Itoa(resp.StatusCode()))
	}
	return append([]byte(nil), resp.Body()...), nil
}
