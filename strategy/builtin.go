package strategy

// Builtin returns the rows for the catalogs vitrine ships with.
func Builtin() []Strategy {
	return []Strategy{
		titleLinkRow("TWLProduct", "The Willow Label", "img-responsive"),
		titleLinkRow("TTRProduct", "The Tinsel Rack", "img-fluid"),
		titleLinkRow("SSDProduct", "Shop Sassy Dream", "img-fluid"),
		titleLinkRow("ACWProduct", "AntiClockWise", "img-responsive"),
		loveBonito(),
	}
}

// titleLinkRow covers the storefront theme where the title block's second
// child node is the product link and the last image of the card is the
// full-size photo.
func titleLinkRow(id, brand, imgClass string) Strategy {
	titleBlock := map[string]string{"class": "product-title"}
	return Strategy{
		ID:    id,
		Brand: brand,
		Title: Rule{Tag: "div", Attrs: titleBlock, Child: At(1), Extract: "text"},
		URL:   Rule{Tag: "div", Attrs: titleBlock, Child: At(1), Extract: "href"},
		Image: Rule{Tag: "img", Attrs: map[string]string{"class": imgClass}, Match: Last, Extract: "src"},
	}
}

func loveBonito() Strategy {
	link := map[string]string{"class": "sf-product-card__link"}
	return Strategy{
		ID:    "LBProduct",
		Brand: "Love Bonito",
		Title: Rule{Tag: "p", Attrs: map[string]string{"class": "paragraph-2"}, Child: At(0), Extract: "text"},
		URL:   Rule{Tag: "a", Attrs: link, Extract: "href"},
		Image: Rule{
			Tag: "a", Attrs: link, Child: At(0), Descend: "img", Extract: "src",
			Fallback: &Rule{Tag: "a", Attrs: link, Child: At(6), Extract: "href"},
		},
	}
}
