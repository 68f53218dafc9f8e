package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

func TestRenderLinePadding(t *testing.T) {
	for _, l := range []int{0, 1, 17, 49, 50, 51, 80} {
		name := strings.Repeat("n", l)
		line := RenderLine(name, "7")
		wantPad := max(0, LineWidth-l)
		assert.Equal(t, name+strings.Repeat(" ", wantPad)+"7", line, "len %d", l)
	}
	assert.Equal(t, []string{RenderLine("a", "1")}, RenderLines([]string{"a", "b"}, []string{"1"}))
}

func TestParseTrafoBlock(t *testing.T) {
	text := strings.Join([]string{
		"kinematik.typ 3",
		"trafo[0].param[10]                                10",
		"trafo[0].param[2]                                 -20",
		"trafo[0].id                                       55",
		"trafo[0].param[0]                                 1",
		"Ende",
	}, "\n")

	ps := ParseTrafoBlock(text)

	assert.Equal(t, []string{"trafo[0].id", "trafo[0].param[0]", "trafo[0].param[2]", "trafo[0].param[10]"}, ps.Names)
	assert.Equal(t, []string{"55", "1", "-20", "10"}, ps.Values)
}

func TestParseTrafoBlockDefaultsID(t *testing.T) {
	ps := ParseTrafoBlock("trafo[0].param[1] 4\n")
	assert.Equal(t, []string{"trafo[0].id", "trafo[0].param[1]"}, ps.Names)
	assert.Equal(t, []string{"0", "4"}, ps.Values)
}

func TestTrafoBlockRoundTrip(t *testing.T) {
	names := []string{"trafo[0].id", "trafo[0].param[0]", "trafo[0].param[1]", "trafo[0].param[2]"}
	values := []string{"12", "15000", "-3", "0"}

	text := ReplaceTrafoBlock("header\nEnde\n", RenderLines(names, values))
	ps := ParseTrafoBlock(text)

	assert.Equal(t, names, ps.Names)
	assert.Equal(t, values, ps.Values)
}

func TestReplaceTrafoBlockPreservesTail(t *testing.T) {
	text := strings.Join([]string{
		"kopf 1",
		"  trafo[0].id 9",
		"trafo[0].param[0] 8",
		"andere 2",
		"Ende",
		"nachlauf a",
		"nachlauf b",
	}, "\n")

	got := ReplaceTrafoBlock(text, []string{"  trafo[0].id 1  ", "trafo[0].param[0] 2"})

	assert.Equal(t, strings.Join([]string{
		"kopf 1",
		"andere 2",
		"",
		"trafo[0].id 1",
		"trafo[0].param[0] 2",
		"",
		"Ende",
		"nachlauf a",
		"nachlauf b",
	}, "\n"), got)
}

func TestReplaceTrafoBlockWithoutMarkerAppends(t *testing.T) {
	got := ReplaceTrafoBlock("a 1\nb 2", []string{"trafo[0].id 3"})
	assert.Equal(t, "a 1\nb 2\n\ntrafo[0].id 3\n", got)
}

func TestReplaceTrafoBlockMarkerMustMatchWholeLine(t *testing.T) {
	got := ReplaceTrafoBlock("x\n Ende\nEnde", []string{"trafo[0].id 3"})
	assert.Equal(t, "x\n Ende\n\ntrafo[0].id 3\n\nEnde", got)
}

const achsMds = `kenngr.swe_neg                 -100000
kenngr.swe_pos                 100000
getriebe[0].dynamik.vb_max     1000
getriebe[0].dynamik.a_max      5
antr.abs_pos_offset            0
sonst.wert                     1`

func TestReplaceAxisFieldsForAxisFiltersScope(t *testing.T) {
	updates := []string{
		RenderLine("Axis_1.v_max", "2.5"),
		RenderLine("Axis_1.s_min", "-20"),
		RenderLine("Axis_2.s_max", "99"),
		RenderLine("Axis_1.ratio", "3"),
	}

	edit := ReplaceAxisFieldsForAxis(achsMds, "Axis_1", updates)

	assert.Contains(t, edit.Text, "getriebe[0].dynamik.vb_max     2500\n")
	assert.Contains(t, edit.Text, "kenngr.swe_neg                 -200000\n")
	assert.Contains(t, edit.Text, "kenngr.swe_pos                 100000\n")
	assert.Equal(t, []string{"Axis_1.v_max", "Axis_1.s_min"}, edit.Applied)
	require.Len(t, edit.Skipped, 1)
	assert.Equal(t, params.KindMapping, params.KindOf(edit.Skipped[0]))
}

func TestReplaceAxisFieldsAppliesAllScopes(t *testing.T) {
	updates := []string{
		RenderLine("Achse_3.s_max", "12.5"),
		RenderLine("Axis_9.a_max", "7"),
		RenderLine("Axis_9.s_init", "abc"),
		"broken",
	}

	edit := ReplaceAxisFields(achsMds, updates)

	assert.Contains(t, edit.Text, "kenngr.swe_pos                 125000\n")
	assert.Contains(t, edit.Text, "getriebe[0].dynamik.a_max      7\n")
	assert.Contains(t, edit.Text, "antr.abs_pos_offset            0\n")
	assert.Equal(t, []string{"Achse_3.s_max", "Axis_9.a_max"}, edit.Applied)
	require.Len(t, edit.Skipped, 2)
	assert.Equal(t, params.KindTransform, params.KindOf(edit.Skipped[0]))
	assert.Equal(t, params.KindMapping, params.KindOf(edit.Skipped[1]))
}

func TestReplaceAxisFieldsMissingPhysicalField(t *testing.T) {
	edit := ReplaceAxisFields("sonst.wert 1", []string{"Axis_1.v_max 1"})
	assert.Equal(t, "sonst.wert 1", edit.Text)
	require.Len(t, edit.Skipped, 1)
	assert.Contains(t, edit.Skipped[0].Error(), "not found")
}

func TestReadAxisFields(t *testing.T) {
	ps, skipped := ReadAxisFields(achsMds, "Axis_2")
	assert.Empty(t, skipped)
	assert.Equal(t, []string{"Axis_2.v_max", "Axis_2.a_max", "Axis_2.s_min", "Axis_2.s_max", "Axis_2.s_init"}, ps.Names)
	assert.Equal(t, []string{"1", "5", "-10", "10", "0"}, ps.Values)
}
