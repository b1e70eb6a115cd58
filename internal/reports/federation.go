package reports

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"
)

// federationHeader is the NANS21V web-registration column set. Several
// columns are unused by this system but must be present for the
// federation's importer to accept the file.
var federationHeader = []string{
	"年度",
	"JAAF ID",
	"氏名（姓）",
	"氏名（名）",
	"登録番号（ナンバー）",
	"ﾌﾘｶﾞﾅ（姓）",
	"ﾌﾘｶﾞﾅ（名）",
	"英字（姓）",
	"英字（名）",
	"国籍",
	"性別",
	"登録都道府県番号",
	"登録都道府県名",
	"団体UID",
	"団体ID",
	"団体名",
	"団体名略称1",
	"団体名略称2",
	"生年月日",
	"旧団体コード",
	"備考",
	"学年",
	"団体区分",
}

// FederationTemplate returns a NANS21V-compatible CSV template with two
// sample rows, BOM-prefixed for spreadsheet software.
func FederationTemplate() []byte {
	year := fmt.Sprint(time.Now().Year())
	samples := [][]string{
		{year, "12345678", "山田", "太郎", "A12345", "ヤマダ", "タロウ",
			"YAMADA", "Taro", "JPN", "男子", "13", "", "", "", "", "", "",
			"2000/04/01", "", "", "3", "大学"},
		{year, "87654321", "鈴木", "花子", "B67890", "スズキ", "ハナコ",
			"SUZUKI", "Hanako", "JPN", "女子", "14", "", "", "", "", "", "",
			"2001/08/15", "", "", "2", "大学"},
	}

	var buf bytes.Buffer
	buf.WriteString(bom)
	w := csv.NewWriter(&buf)
	w.UseCRLF = true
	w.Write(federationHeader)
	for _, row := range samples {
		w.Write(row)
	}
	w.Flush()
	return buf.Bytes()
}
