// Package protocol renders the XML response documents of the long-poll wire
// protocol.
package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Header is the XML prolog written before every response document.
const Header = "<?xml version=\"1.0\" encoding=\"UTF-8\" standalone=\"yes\"?>\n"

// ContentType is the media type of every response.
const ContentType = "application/xml; charset=utf-8"

// Item is one outbound message in wire form.
type Item struct {
	Seq     uint64
	Type    byte
	Payload string
}

type connectionDoc struct {
	XMLName xml.Name `xml:"connection"`
	ID      string   `xml:"id,attr"`
}

type messagesDoc struct {
	XMLName xml.Name     `xml:"messages"`
	Items   []messageDoc `xml:"message"`
}

type messageDoc struct {
	Seq     uint64 `xml:"seq,attr"`
	Type    string `xml:"type,attr"`
	Payload string `xml:",chardata"`
}

// ConnectionDoc renders the response to action=connect, carrying the newly
// minted connection identifier.
func ConnectionDoc(id string) ([]byte, error) {
	return render(connectionDoc{ID: id})
}

// MessagesDoc renders the response to action=messages: the ordered outbound
// batch, possibly empty.
func MessagesDoc(items []Item) ([]byte, error) {
	doc := messagesDoc{Items: make([]messageDoc, len(items))}
	for i, item := range items {
		doc.Items[i] = messageDoc{
			Seq:     item.Seq,
			Type:    string(item.Type),
			Payload: item.Payload,
		}
	}
	return render(doc)
}

func render(doc interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("render response document: %w", err)
	}
	return buf.Bytes(), nil
}
