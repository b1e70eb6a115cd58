// Package roster implements bulk athlete import from tabular files.
// Parsing and persisting are separate steps so a caller can show the
// per-row errors and duplicate warnings before committing anything.
package roster

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/width"

	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
)

// Column names of the import sheet. Kept in Japanese to match the
// template handed to team representatives.
var (
	RequiredColumns = []string{"姓", "名", "姓カナ", "名カナ", "性別", "生年月日", "登録陸協", "JAAF ID"}
	OptionalColumns = []string{"学年", "国籍", "姓ローマ字", "名ローマ字"}
)

var genderMap = map[string]models.Sex{
	"M": models.SexMale, "男": models.SexMale, "男子": models.SexMale,
	"F": models.SexFemale, "女": models.SexFemale, "女子": models.SexFemale,
}

var gradeMap = map[string]string{
	"1": "1", "1年": "1",
	"2": "2", "2年": "2",
	"3": "3", "3年": "3",
	"4": "4", "4年": "4",
	"M1": "M1", "修士1年": "M1", "修士1": "M1",
	"M2": "M2", "修士2年": "M2", "修士2": "M2",
	"D1": "D1", "博士1年": "D1", "博士1": "D1",
	"D2": "D2", "博士2年": "D2", "博士2": "D2",
	"D3": "D3", "博士3年": "D3", "博士3": "D3",
}

var prefList = []string{
	"北海道", "青森", "岩手", "宮城", "秋田", "山形", "福島",
	"茨城", "栃木", "群馬", "埼玉", "千葉", "東京", "神奈川",
	"新潟", "富山", "石川", "福井", "山梨", "長野",
	"岐阜", "静岡", "愛知", "三重",
	"滋賀", "京都", "大阪", "兵庫", "奈良", "和歌山",
	"鳥取", "島根", "岡山", "広島", "山口",
	"徳島", "香川", "愛媛", "高知",
	"福岡", "佐賀", "長崎", "熊本", "大分", "宮崎", "鹿児島", "沖縄",
}

var nationalityMap = map[string]string{
	"JPN": "JPN", "日本": "JPN",
	"USA": "USA", "アメリカ": "USA",
	"KEN": "KEN", "ケニア": "KEN",
	"ETH": "ETH", "エチオピア": "ETH",
	"GBR": "GBR", "イギリス": "GBR",
	"CHN": "CHN", "中国": "CHN",
	"KOR": "KOR", "韓国": "KOR",
	"UGA": "UGA", "ウガンダ": "UGA",
	"TAN": "TAN", "タンザニア": "TAN",
	"MAR": "MAR", "モロッコ": "MAR",
}

// Full-width katakana plus the long-vowel mark.
var kanaRe = regexp.MustCompile(`^[ァ-ヶー]+$`)

var alphaRe = regexp.MustCompile(`^[A-Z]+$`)

// Row is one sheet row keyed by column header.
type Row map[string]string

// ParsedAthlete is the outcome of parsing one row. Rows with Errors are
// never imported; Warnings (duplicates) are importable but flagged.
type ParsedAthlete struct {
	RowNum int

	LastName       string
	FirstName      string
	LastNameKana   string
	FirstNameKana  string
	LastNameEn     string
	FirstNameEn    string
	Sex            models.Sex
	BirthDate      time.Time
	Grade          string
	RegisteredPref string
	JAAFID         string
	Nationality    string

	Errors   []string
	Warnings []string
	// ExistingID is set when the same owner already has an active
	// athlete with this federation ID.
	ExistingID string
}

// Valid reports whether the row parsed cleanly.
func (p *ParsedAthlete) Valid() bool { return len(p.Errors) == 0 }

// Importer parses and persists roster sheets for one owner.
type Importer struct {
	DB    *sql.DB
	Owner models.Owner
}

// validateKana folds half-width katakana to full width, then requires
// katakana (with long-vowel marks) only.
func validateKana(text, field string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%sが空です", field)
	}
	text = width.Widen.String(text)
	if !kanaRe.MatchString(text) {
		return "", fmt.Errorf("%sは全角カタカナで入力してください: %s", field, text)
	}
	return text, nil
}

func parseSex(s string) (models.Sex, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("性別が空です")
	}
	sex, ok := genderMap[s]
	if !ok {
		return "", fmt.Errorf("性別が不正です: %s（M/F または 男/女 で入力）", s)
	}
	return sex, nil
}

func parseBirthDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("生年月日が空です")
	}
	for _, layout := range []string{"2006-1-2", "2006/1/2"} {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("生年月日の形式が不正です: %s（YYYY-MM-DD形式で入力）", s)
}

func parseGrade(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	grade, ok := gradeMap[s]
	if !ok {
		return "", fmt.Errorf("学年が不正です: %s", s)
	}
	return grade, nil
}

var prefSuffixes = strings.NewReplacer("県", "", "府", "", "都", "")

func parsePref(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("登録陸協が空です")
	}
	clean := prefSuffixes.Replace(s)
	for _, pref := range prefList {
		if pref == s || pref == clean {
			return pref, nil
		}
	}
	return "", fmt.Errorf("登録陸協が不正です: %s（都道府県名で入力）", s)
}

func parseNationality(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "JPN", nil
	}
	s = strings.ToUpper(s)
	if n, ok := nationalityMap[s]; ok {
		return n, nil
	}
	// Unknown IOC codes pass through as-is.
	if len(s) == 3 && alphaRe.MatchString(s) {
		return s, nil
	}
	return "", fmt.Errorf("国籍が不正です: %s", s)
}

// ParseRow parses one data row. rowNum is the sheet row (2-based: row 1
// is the header) used in error and warning messages.
func ParseRow(row Row, rowNum int) ParsedAthlete {
	p := ParsedAthlete{RowNum: rowNum}
	fail := func(err error) { p.Errors = append(p.Errors, err.Error()) }

	p.LastName = strings.TrimSpace(row["姓"])
	if p.LastName == "" {
		fail(errors.New("姓が空です"))
	}
	p.FirstName = strings.TrimSpace(row["名"])
	if p.FirstName == "" {
		fail(errors.New("名が空です"))
	}

	var err error
	if p.LastNameKana, err = validateKana(row["姓カナ"], "姓カナ"); err != nil {
		fail(err)
	}
	if p.FirstNameKana, err = validateKana(row["名カナ"], "名カナ"); err != nil {
		fail(err)
	}
	if p.Sex, err = parseSex(row["性別"]); err != nil {
		fail(err)
	}
	if p.BirthDate, err = parseBirthDate(row["生年月日"]); err != nil {
		fail(err)
	}
	if p.Grade, err = parseGrade(row["学年"]); err != nil {
		fail(err)
	}
	if p.RegisteredPref, err = parsePref(row["登録陸協"]); err != nil {
		fail(err)
	}
	p.JAAFID = strings.TrimSpace(row["JAAF ID"])
	if p.JAAFID == "" {
		fail(errors.New("JAAF IDが空です"))
	}
	if p.Nationality, err = parseNationality(row["国籍"]); err != nil {
		fail(err)
	}
	p.LastNameEn = strings.TrimSpace(row["姓ローマ字"])
	p.FirstNameEn = strings.TrimSpace(row["名ローマ字"])

	return p
}

// Parse parses all rows and runs duplicate checks. Global errors
// (missing required columns, empty sheet) abort before row parsing.
func (im *Importer) Parse(ctx context.Context, header []string, rows []Row) ([]ParsedAthlete, error) {
	if len(rows) == 0 {
		return nil, meeterr.New(meeterr.KindValidation, "データがありません")
	}
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.TrimSpace(h)] = true
	}
	var missing []string
	for _, col := range RequiredColumns {
		if !have[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, meeterr.New(meeterr.KindValidation, "必須列がありません: %s", strings.Join(missing, ", "))
	}

	parsed := make([]ParsedAthlete, 0, len(rows))
	for i, row := range rows {
		parsed = append(parsed, ParseRow(row, i+2))
	}
	if err := im.checkDuplicates(ctx, parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// ParseCSV reads a UTF-8 CSV sheet (optionally BOM-prefixed) and parses it.
func (im *Importer) ParseCSV(ctx context.Context, r io.Reader) ([]ParsedAthlete, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, meeterr.New(meeterr.KindValidation, "CSVの読み込みに失敗しました: %v", err)
	}
	if len(records) == 0 {
		return nil, meeterr.New(meeterr.KindValidation, "データがありません")
	}
	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := Row{}
		for i, h := range header {
			if i < len(rec) {
				row[strings.TrimSpace(h)] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return im.Parse(ctx, header, rows)
}

// checkDuplicates flags federation-ID duplicates within the sheet and
// against the owner's existing active roster. Duplicates are warnings,
// not errors: the caller decides whether to skip or overwrite.
func (im *Importer) checkDuplicates(ctx context.Context, parsed []ParsedAthlete) error {
	byJAAF := make(map[string][]int) // jaaf_id -> indexes of valid rows
	for i := range parsed {
		if parsed[i].Valid() {
			byJAAF[parsed[i].JAAFID] = append(byJAAF[parsed[i].JAAFID], i)
		}
	}

	ownerCond, ownerArg := "organization_id = ?", im.Owner.OrgID
	if im.Owner.UserID != "" {
		ownerCond, ownerArg = "user_id = ?", im.Owner.UserID
	}

	for i := range parsed {
		p := &parsed[i]
		if !p.Valid() {
			continue
		}
		for _, j := range byJAAF[p.JAAFID] {
			if j != i {
				p.Warnings = append(p.Warnings,
					fmt.Sprintf("JAAF ID %s が行%dと重複しています", p.JAAFID, parsed[j].RowNum))
				break
			}
		}

		var id, lastName, firstName string
		err := im.DB.QueryRowContext(ctx,
			`SELECT id, last_name, first_name FROM athletes
			 WHERE jaaf_id = ? AND is_active = 1 AND `+ownerCond+`
			 ORDER BY created_at LIMIT 1`,
			p.JAAFID, ownerArg,
		).Scan(&id, &lastName, &firstName)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return meeterr.Internal(err, "check existing athlete")
		}
		p.ExistingID = id
		p.Warnings = append(p.Warnings,
			fmt.Sprintf("JAAF ID %s は既に登録済みです（%s %s）", p.JAAFID, lastName, firstName))
	}
	return nil
}

// Import persists the parsed rows in one transaction. Invalid rows and
// (when skipExisting) already-registered rows are skipped; with
// skipExisting false, existing athletes are updated in place. Returns
// the imported athletes and the skipped rows.
func (im *Importer) Import(ctx context.Context, parsed []ParsedAthlete, skipExisting bool) ([]*models.Athlete, []ParsedAthlete, error) {
	if !im.Owner.Valid() {
		return nil, nil, meeterr.New(meeterr.KindValidation, "invalid roster owner")
	}
	tx, err := im.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, meeterr.Internal(err, "begin import")
	}
	defer tx.Rollback()

	var orgID, userID any
	if im.Owner.OrgID != "" {
		orgID = im.Owner.OrgID
	}
	if im.Owner.UserID != "" {
		userID = im.Owner.UserID
	}

	var (
		imported []*models.Athlete
		skipped  []ParsedAthlete
	)
	now := time.Now().UTC()
	for _, p := range parsed {
		if !p.Valid() {
			skipped = append(skipped, p)
			continue
		}
		if p.ExistingID != "" && skipExisting {
			skipped = append(skipped, p)
			continue
		}

		a := &models.Athlete{
			Owner:          im.Owner,
			LastName:       p.LastName,
			FirstName:      p.FirstName,
			LastNameKana:   p.LastNameKana,
			FirstNameKana:  p.FirstNameKana,
			LastNameEn:     p.LastNameEn,
			FirstNameEn:    p.FirstNameEn,
			Sex:            p.Sex,
			BirthDate:      p.BirthDate,
			Grade:          p.Grade,
			RegisteredPref: p.RegisteredPref,
			JAAFID:         p.JAAFID,
			Nationality:    p.Nationality,
			IsActive:       true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if p.ExistingID != "" {
			a.ID = p.ExistingID
			_, err = tx.ExecContext(ctx,
				`UPDATE athletes SET last_name = ?, first_name = ?, last_name_kana = ?, first_name_kana = ?,
				 last_name_en = ?, first_name_en = ?, sex = ?, birth_date = ?, grade = ?, registered_pref = ?,
				 nationality = ?, updated_at = ? WHERE id = ?`,
				a.LastName, a.FirstName, a.LastNameKana, a.FirstNameKana,
				a.LastNameEn, a.FirstNameEn, a.Sex, a.BirthDate.Format("2006-01-02"),
				a.Grade, a.RegisteredPref, a.Nationality, now, a.ID)
		} else {
			a.ID = uuid.NewString()
			_, err = tx.ExecContext(ctx,
				`INSERT INTO athletes (id, organization_id, user_id, last_name, first_name, last_name_kana, first_name_kana, last_name_en, first_name_en, sex, birth_date, grade, registered_pref, jaaf_id, nationality, is_active, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				a.ID, orgID, userID, a.LastName, a.FirstName, a.LastNameKana, a.FirstNameKana,
				a.LastNameEn, a.FirstNameEn, a.Sex, a.BirthDate.Format("2006-01-02"),
				a.Grade, a.RegisteredPref, a.JAAFID, a.Nationality, now, now)
		}
		if err != nil {
			return nil, nil, meeterr.Internal(err, fmt.Sprintf("write athlete row %d", p.RowNum))
		}
		imported = append(imported, a)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, meeterr.Internal(err, "commit import")
	}
	return imported, skipped, nil
}

// TemplateRows returns the header and two sample rows of the import
// sheet handed to team representatives.
func TemplateRows() [][]string {
	return [][]string{
		{"姓", "名", "姓カナ", "名カナ", "性別", "生年月日", "学年", "登録陸協", "JAAF ID", "国籍", "姓ローマ字", "名ローマ字"},
		{"山田", "太郎", "ヤマダ", "タロウ", "M", "2000-04-01", "3", "東京", "12345678", "JPN", "YAMADA", "Taro"},
		{"鈴木", "花子", "スズキ", "ハナコ", "F", "2001-08-15", "2", "神奈川", "87654321", "JPN", "SUZUKI", "Hanako"},
	}
}
