// Package interchange reads and writes the XML snippet document shared with
// Clipy-style clipboard managers.
//
// The written form is
//
//	<?xml version="1.0" encoding="UTF-8"?>
//	<folders>
//		<folder name="Work">
//			<folder name="Mail">...</folder>
//			<snippet title="Signature">Regards,
//	Ann</snippet>
//		</folder>
//	</folders>
//
// with child folders before snippets, one tab per depth level and a
// trailing newline. Output is deterministic, so re-exporting an imported
// document reproduces it byte for byte. Decode additionally accepts the
// element form written by Clipy on macOS:
//
//	<folder><title>Work</title><snippets><snippet><title>T</title><content>B</content></snippet></snippets></folder>
package interchange

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/snippets"
)

const (
	rootElement    = "folders"
	folderElement  = "folder"
	snippetElement = "snippet"
)

// Encode writes t to w.
func Encode(w io.Writer, t snippets.Tree) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "\t")

	root := xml.StartElement{Name: xml.Name{Local: rootElement}}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}
	for _, f := range t.Folders {
		if err := encodeFolder(enc, f); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func encodeFolder(enc *xml.Encoder, f snippets.TreeFolder) error {
	if err := snippets.CheckText("folder name", f.Name); err != nil {
		return fmt.Errorf("interchange: folder %q: %w", f.Name, err)
	}
	start := xml.StartElement{
		Name: xml.Name{Local: folderElement},
		Attr: []xml.Attr{{Name: xml.Name{Local: "name"}, Value: f.Name}},
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, child := range f.Folders {
		if err := encodeFolder(enc, child); err != nil {
			return err
		}
	}
	for _, sn := range f.Snippets {
		if err := snippets.CheckText("snippet title", sn.Title); err != nil {
			return fmt.Errorf("interchange: folder %q: %w", f.Name, err)
		}
		if err := snippets.CheckText("snippet body", sn.Body); err != nil {
			return fmt.Errorf("interchange: snippet %q: %w", sn.Title, err)
		}
		el := xml.StartElement{
			Name: xml.Name{Local: snippetElement},
			Attr: []xml.Attr{{Name: xml.Name{Local: "title"}, Value: sn.Title}},
		}
		if err := enc.EncodeToken(el); err != nil {
			return err
		}
		if sn.Body != "" {
			if err := enc.EncodeToken(xml.CharData(sn.Body)); err != nil {
				return err
			}
		}
		if err := enc.EncodeToken(el.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// Export returns t as a document.
func Export(t snippets.Tree) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type xmlDoc struct {
	XMLName  xml.Name     `xml:"folders"`
	Folders  []xmlFolder  `xml:"folder"`
	Snippets []xmlSnippet `xml:"snippet"`
}

type xmlFolder struct {
	NameAttr *string      `xml:"name,attr"`
	Title    *string      `xml:"title"`
	Folders  []xmlFolder  `xml:"folder"`
	Snippets []xmlSnippet `xml:"snippet"`
	Nested   []xmlSnippet `xml:"snippets>snippet"`
}

type xmlSnippet struct {
	TitleAttr *string `xml:"title,attr"`
	Title     *string `xml:"title"`
	Content   *string `xml:"content"`
	Text      string  `xml:",chardata"`
}

// Decode parses a document. Any structural problem is reported as
// apperr.ErrFormat and no partial tree is returned.
func Decode(r io.Reader) (snippets.Tree, error) {
	dec := xml.NewDecoder(r)

	var doc xmlDoc
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return snippets.Tree{}, fmt.Errorf("interchange: empty document: %w", apperr.ErrFormat)
		}
		return snippets.Tree{}, fmt.Errorf("interchange: %w: %v", apperr.ErrFormat, err)
	}
	if err := expectEnd(dec); err != nil {
		return snippets.Tree{}, err
	}
	if len(doc.Snippets) > 0 {
		return snippets.Tree{}, fmt.Errorf("interchange: snippet outside any folder: %w", apperr.ErrFormat)
	}

	t := snippets.Tree{Folders: convertFolders(doc.Folders)}
	if err := t.Validate(); err != nil {
		return snippets.Tree{}, fmt.Errorf("interchange: %w", err)
	}
	return t, nil
}

// Import parses doc.
func Import(doc []byte) (snippets.Tree, error) {
	return Decode(bytes.NewReader(doc))
}

// expectEnd rejects anything but whitespace and comments after the root.
func expectEnd(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("interchange: %w: %v", apperr.ErrFormat, err)
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			return fmt.Errorf("interchange: unexpected <%s> after root: %w", tok.Name.Local, apperr.ErrFormat)
		case xml.CharData:
			if strings.TrimSpace(string(tok)) != "" {
				return fmt.Errorf("interchange: text after root: %w", apperr.ErrFormat)
			}
		}
	}
}

func convertFolders(in []xmlFolder) []snippets.TreeFolder {
	if len(in) == 0 {
		return nil
	}
	out := make([]snippets.TreeFolder, 0, len(in))
	for _, f := range in {
		tf := snippets.TreeFolder{
			Name:    firstOf(f.NameAttr, f.Title),
			Folders: convertFolders(f.Folders),
		}
		for _, sn := range append(f.Snippets, f.Nested...) {
			body := sn.Text
			if sn.Content != nil {
				body = *sn.Content
			}
			tf.Snippets = append(tf.Snippets, snippets.TreeSnippet{
				Title: firstOf(sn.TitleAttr, sn.Title),
				Body:  body,
			})
		}
		out = append(out, tf)
	}
	return out
}

func firstOf(vals ...*string) string {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return ""
}
