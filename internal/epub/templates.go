package epub

import (
	"html"
	"text/template"
)

type packageData struct {
	UID      string
	Title    string
	Author   string
	Language string
	Modified string
	Chapters []Chapter
}

type chapterData struct {
	Chapter
	Body string // already XHTML
}

var documents = template.Must(template.New("epub").Funcs(template.FuncMap{
	"x":   html.EscapeString,
	"inc": func(i int) int { return i + 1 },
}).Parse(`
{{- define "container" -}}
<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
{{end}}

{{- define "package" -}}
<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="pub-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="pub-id">{{.UID}}</dc:identifier>
    <dc:title>{{x .Title}}</dc:title>
{{- if .Author}}
    <dc:creator>{{x .Author}}</dc:creator>
{{- end}}
    <dc:language>{{x .Language}}</dc:language>
    <meta property="dcterms:modified">{{.Modified}}</meta>
  </metadata>
  <manifest>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
    <item id="css" href="style.css" media-type="text/css"/>
{{- range .Chapters}}
    <item id="{{.ID}}" href="{{.ID}}.xhtml" media-type="application/xhtml+xml"/>
{{- end}}
  </manifest>
  <spine toc="ncx">
{{- range .Chapters}}
    <itemref idref="{{.ID}}"/>
{{- end}}
  </spine>
</package>
{{end}}

{{- define "nav" -}}
<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head>
  <title>{{x .Title}}</title>
  <link rel="stylesheet" type="text/css" href="style.css"/>
</head>
<body>
  <nav epub:type="toc" id="toc">
    <h1>Contents</h1>
    <ol>
{{- range .Chapters}}
      <li><a href="{{.ID}}.xhtml">{{x .Label}}</a></li>
{{- end}}
    </ol>
  </nav>
</body>
</html>
{{end}}

{{- define "ncx" -}}
<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <head>
    <meta name="dtb:uid" content="{{.UID}}"/>
    <meta name="dtb:depth" content="1"/>
  </head>
  <docTitle><text>{{x .Title}}</text></docTitle>
  <navMap>
{{- range $i, $c := .Chapters}}
    <navPoint id="nav-{{inc $i}}" playOrder="{{inc $i}}">
      <navLabel><text>{{x $c.Label}}</text></navLabel>
      <content src="{{$c.ID}}.xhtml"/>
    </navPoint>
{{- end}}
  </navMap>
</ncx>
{{end}}

{{- define "chapter" -}}
<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml">
<head>
  <title>{{x .Label}}</title>
  <link rel="stylesheet" type="text/css" href="style.css"/>
</head>
<body>
  <h2 class="chapter-title">{{x .Label}}</h2>
{{.Body}}</body>
</html>
{{end}}
`))

const stylesheet = `body {
  font-family: Georgia, "Times New Roman", serif;
  line-height: 1.6;
  margin: 1em;
}

.chapter-title {
  text-align: center;
  margin: 3em 0 2em;
}

p {
  margin: 0.5em 0;
  text-indent: 1.5em;
}

h2 + p, hr + p {
  text-indent: 0;
}

blockquote {
  margin: 1em 2em;
  font-style: italic;
}
`
