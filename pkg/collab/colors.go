package collab

// palette holds the presence colors handed out to room members, in order.
// Rooms cycle through it; with more members than colors the palette repeats.
var palette = []string{
	"#e11d48", // rose
	"#2563eb", // blue
	"#16a34a", // green
	"#d97706", // amber
	"#9333ea", // purple
	"#0891b2", // cyan
	"#db2777", // pink
	"#65a30d", // lime
}

func colorAt(n int) string {
	return palette[n%len(palette)]
}
