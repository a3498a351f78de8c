package pdf

import (
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// pageFonts returns ToUnicode tables for the fonts a page references, keyed by
// resource name. Lookup is best effort: fonts that cannot be resolved are
// omitted and decode as Latin-1.
func pageFonts(ctx *model.Context, pageNr int) (fonts map[string]*CMap) {
	fonts = make(map[string]*CMap)
	defer func() {
		if recover() != nil {
			fonts = map[string]*CMap{}
		}
	}()

	pageDict, _, inherited, err := ctx.PageDict(pageNr, false)
	if err != nil || pageDict == nil {
		return fonts
	}

	var resources types.Dict
	if obj, ok := pageDict.Find("Resources"); ok {
		resources, _ = ctx.DereferenceDict(obj)
	}
	if resources == nil && inherited != nil {
		resources = inherited.Resources
	}
	if resources == nil {
		return fonts
	}

	fontObj, ok := resources.Find("Font")
	if !ok {
		return fonts
	}
	fontDict, err := ctx.DereferenceDict(fontObj)
	if err != nil || fontDict == nil {
		return fonts
	}

	for name, ref := range fontDict {
		font, err := ctx.DereferenceDict(ref)
		if err != nil || font == nil {
			continue
		}
		if cm := toUnicode(ctx, font); cm != nil {
			fonts[name] = cm
		}
	}
	return fonts
}

func toUnicode(ctx *model.Context, font types.Dict) *CMap {
	obj, ok := font.Find("ToUnicode")
	if !ok {
		return nil
	}
	deref, err := ctx.Dereference(obj)
	if err != nil {
		return nil
	}
	sd, ok := deref.(types.StreamDict)
	if !ok {
		return nil
	}
	if err := sd.Decode(); err != nil {
		return nil
	}
	if len(sd.Content) == 0 {
		return nil
	}
	return ParseCMap(sd.Content)
}
